package detector

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeuristic_IsBlockedTitle(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, nil)
	require.True(t, h.IsBlockedTitle("Attention Required! | Cloudflare"))
	require.True(t, h.IsBlockedTitle("Acesso Negado"))
	require.True(t, h.IsBlockedTitle("Just a moment..."))
	require.False(t, h.IsBlockedTitle("Diário Oficial - Prefeitura de São João del-Rei"))
	require.False(t, h.IsBlockedTitle(""))
}

func TestHeuristic_CustomMarkers(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, []string{"  Manutenção ", ""})
	require.True(t, h.IsBlockedTitle("Site em MANUTENÇÃO"))
	require.False(t, h.IsBlockedTitle("captcha"))
}

func TestHeuristic_IsBlockedBody_Title(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, nil)
	body := []byte("<html><head><title>\n  Access Denied\n</title></head><body>" + strings.Repeat("x", 500) + "</body></html>")
	require.True(t, h.IsBlockedBody(body))
}

func TestHeuristic_IsBlockedBody_ChallengeWidget(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(100, nil)
	body := []byte(`<html><body><div class="g-recaptcha" data-sitekey="x"></div>` + strings.Repeat("p", 500) + `</body></html>`)
	require.True(t, h.IsBlockedBody(body))
}

func TestHeuristic_IsBlockedBody_ScriptOnly(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(1000, nil)
	body := []byte(`<html><script>window.location.reload();var a=1;var b=2;</script><p>t</p></html>`)
	require.True(t, h.IsBlockedBody(body))
}

func TestHeuristic_IsBlockedBody_ListingPage(t *testing.T) {
	t.Parallel()

	h := NewHeuristic(0, nil)
	body := []byte(`<html><head><title>Diário Oficial</title><script>var x=1;</script></head>
<body><div id="conteudo"><div class="item"><a onclick="obterArquivoCadastroGenerico(4821)">PDF</a></div></div></body></html>`)
	require.False(t, h.IsBlockedBody(body))
}

func TestScriptDensityUnterminated(t *testing.T) {
	t.Parallel()

	require.True(t, scriptDensityHigh([]byte(`<p>a</p><script src="x"`)))
	require.False(t, scriptDensityHigh(nil))
}
