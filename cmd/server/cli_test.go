package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rulesYAML = `rules:
  - id: free-at
    name: Free shipping in Austria
    active: true
    priority: 10
    conditions:
      - type: countries
        configuration:
          countries: [AT]
      - type: amount
        configuration:
          minAmount: 5000
    actions:
      - type: price
        configuration:
          price: 0
  - id: bulky
    name: Bulky surcharge
    active: true
    priority: 20
    conditions:
      - type: categories
        configuration:
          categories: bulky
    actions:
      - type: additionAmount
        configuration:
          amount: 1500
`

const cartJSON = `{
  "id": "cart-1",
  "address": {"country": "AT", "postcode": "1010"},
  "items": [{"productId": "sofa", "categories": ["bulky"], "quantity": 1, "price": 49900}],
  "shipping": {"carrier": "post", "price": 990}
}`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := runCLI(t, "validate", writeFile(t, "rules.yaml", rulesYAML))
	require.NoError(t, err)
	assert.Contains(t, out, "ok   free-at")
	assert.Contains(t, out, "ok   bulky")
}

func TestValidateCommandReportsBrokenRules(t *testing.T) {
	broken := `rules:
  - id: good
    name: Good
    actions:
      - type: price
        configuration:
          price: 0
  - id: unknown
    name: Unknown type
    conditions:
      - type: moonPhase
  - id: nameless
    name: ""
`
	out, err := runCLI(t, "validate", writeFile(t, "rules.yaml", broken))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 of 3 rules invalid")
	assert.Contains(t, out, "ok   good")
	assert.Contains(t, out, "FAIL unknown")
	assert.Contains(t, out, "FAIL nameless")
}

func TestEvaluateCommand(t *testing.T) {
	out, err := runCLI(t, "evaluate",
		writeFile(t, "rules.yaml", rulesYAML),
		writeFile(t, "cart.json", cartJSON),
	)
	require.NoError(t, err)

	var resp EvaluateResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	assert.Equal(t, []string{"free-at", "bulky"}, resp.Applied)
	assert.Equal(t, int64(1500), resp.Cart.Shipping.Price)
}

func TestEvaluateCommandErrors(t *testing.T) {
	rulesPath := writeFile(t, "rules.yaml", rulesYAML)

	_, err := runCLI(t, "evaluate", rulesPath, filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = runCLI(t, "evaluate", rulesPath, writeFile(t, "cart.json", "{"))
	assert.Error(t, err)

	_, err = runCLI(t, "evaluate", rulesPath)
	assert.Error(t, err, "evaluate needs a cart file")
}
