package headless

import (
	"encoding/json"
	"fmt"

	"github.com/Frunin/diario-oficial/internal/extract"
)

// evalResult is what the in-page script returns.
type evalResult struct {
	Found bool               `json:"found"`
	Items []extract.Fragment `json:"items"`
}

// scriptTemplate reads each record's handler and the visible text of its
// field blocks. Label-less blocks are returned whole; splitting happens in
// extract.Assemble so both paths share one rule set.
const scriptTemplate = `(() => {
  const container = document.querySelector(%[1]s);
  if (!container) return {found: false, items: []};
  const pattern = %[2]s;
  const text = (el) => (el && (el.innerText || el.textContent)) || '';
  const items = Array.from(container.querySelectorAll(%[3]s)).map((item) => {
    let handler = '';
    for (const el of [...item.querySelectorAll('[onclick], [href]'), item]) {
      const onclick = el.getAttribute('onclick') || '';
      const href = el.getAttribute('href') || '';
      if (onclick.includes(pattern)) { handler = onclick; break; }
      if (href.includes(pattern)) { handler = href; break; }
    }
    const fields = Array.from(item.querySelectorAll(%[4]s)).map((block) => {
      const label = block.querySelector(%[5]s);
      if (!label) return {label: '', value: text(block)};
      return {label: text(label), value: text(block.querySelector(%[6]s))};
    });
    return {handler, fields};
  });
  return {found: true, items};
})()`

func buildScript(sel extract.Config) (string, error) {
	def := extract.DefaultConfig()
	values := []string{
		orDefault(sel.ContainerSelector, def.ContainerSelector),
		orDefault(sel.ActionPattern, def.ActionPattern),
		orDefault(sel.RecordSelector, def.RecordSelector),
		orDefault(sel.FieldSelector, def.FieldSelector),
		orDefault(sel.LabelSelector, def.LabelSelector),
		orDefault(sel.ValueSelector, def.ValueSelector),
	}
	args := make([]any, len(values))
	for i, v := range values {
		quoted, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("quote selector %q: %w", v, err)
		}
		args[i] = string(quoted)
	}
	return fmt.Sprintf(scriptTemplate, args...), nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
