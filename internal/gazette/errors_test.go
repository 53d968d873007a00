package gazette

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFetchErrorMatchesKind(t *testing.T) {
	t.Parallel()

	cause := errors.New("403 Forbidden")
	err := fmt.Errorf("attempt: %w", NewFetchError("direct", ErrBlocked, 403, cause))

	require.ErrorIs(t, err, ErrBlocked)
	require.ErrorIs(t, err, cause)
	require.NotErrorIs(t, err, ErrNetwork)

	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "direct", fe.Strategy)
	require.Equal(t, 403, fe.StatusCode)
	require.Contains(t, fe.Error(), "status 403")
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"deadline", fmt.Errorf("visit: %w", context.DeadlineExceeded), ErrTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ErrTimeout},
		{"blocked", NewFetchError("rendered", ErrBlocked, 0, nil), ErrBlocked},
		{"other", errors.New("connection refused"), ErrNetwork},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, Classify(tc.err))
		})
	}
	require.NoError(t, Classify(nil))
}

func TestTerminalErrorAllBlocked(t *testing.T) {
	t.Parallel()

	attempts := []error{
		NewFetchError("direct", ErrBlocked, 403, nil),
		NewFetchError("proxied", ErrBlocked, 403, nil),
		NewFetchError("rendered", ErrBlocked, 0, nil),
	}
	err := fmt.Errorf("acquire: %w", NewTerminalError(attempts, errors.New("search unavailable")))

	require.ErrorIs(t, err, ErrTerminal)
	require.Contains(t, err.Error(), "fallback: search unavailable")
	require.Contains(t, UserMessage(err), "bloqueou todas as tentativas")
}

func TestUserMessageNeverLeaksDetails(t *testing.T) {
	t.Parallel()

	raw := errors.New("<html><body>Access denied</body></html>")
	msg := UserMessage(NewFetchError("direct", ErrNetwork, 500, raw))
	require.NotContains(t, msg, "<html>")
	require.Equal(t, "Falha de rede ao acessar o site do Diário Oficial.", msg)

	require.Equal(t, "Erro desconhecido durante a busca.", UserMessage(raw))
	require.Empty(t, UserMessage(nil))
	require.Equal(t, "A verificação foi cancelada.", UserMessage(context.Canceled))
}

func TestTerminalMessageVariants(t *testing.T) {
	t.Parallel()

	timeouts := []error{NewFetchError("direct", ErrTimeout, 0, nil)}
	require.Equal(t, "O site não respondeu dentro do tempo limite.", terminalMessage(timeouts))

	mixed := []error{
		NewFetchError("direct", ErrBlocked, 403, nil),
		NewFetchError("proxied", ErrNetwork, 502, nil),
	}
	require.Contains(t, terminalMessage(mixed), "bloqueou o acesso automatizado")

	malformed := []error{
		NewFetchError("direct", ErrNetwork, 0, nil),
		NewFetchError("proxied", ErrMalformed, 0, nil),
	}
	require.Contains(t, terminalMessage(malformed), "mudou de formato")
}
