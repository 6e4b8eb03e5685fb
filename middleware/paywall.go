package middleware

import (
	"encoding/json"
	"html/template"
	"net/http"

	h402 "github.com/bit-gpt/h402-go"
)

// paywallTemplate is served to browser clients. The accepted payment
// requirements are injected as a script variable so wallet frontends can
// construct the payment without re-fetching.
var paywallTemplate = template.Must(template.New("paywall").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Payment Required</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 40rem; margin: 4rem auto; padding: 0 1rem; color: #1a1a1a; }
h1 { font-size: 1.5rem; }
.option { border: 1px solid #ddd; border-radius: 8px; padding: 1rem; margin: 0.75rem 0; }
.amount { font-weight: 600; }
.error { color: #b00020; }
code { background: #f4f4f4; padding: 0.1rem 0.3rem; border-radius: 4px; }
</style>
</head>
<body>
<h1>Payment Required</h1>
{{if .Required.Error}}<p class="error">{{.Required.Error}}</p>{{end}}
<p>Access to this resource requires payment. Complete one of the options below and retry with the <code>X-PAYMENT</code> header.</p>
{{range .Required.Accepts}}
<div class="option">
	<div class="amount">{{.AmountRequired}}{{if .TokenSymbol}} {{.TokenSymbol}}{{end}}</div>
	<div>Network: {{.NetworkID}} ({{.Namespace}})</div>
	<div>Pay to: <code>{{.PayToAddress}}</code></div>
</div>
{{end}}
<script>
window.h402 = {paymentRequired: {{.RequirementsJSON}}};
</script>
</body>
</html>
`))

type paywallData struct {
	Required         h402.PaymentRequired
	RequirementsJSON template.JS
}

// renderPaywall writes the HTML 402 page.
func renderPaywall(w http.ResponseWriter, required h402.PaymentRequired) {
	raw, err := json.Marshal(required)
	if err != nil {
		writePaymentRequiredJSON(w, required)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = paywallTemplate.Execute(w, paywallData{
		Required:         required,
		RequirementsJSON: template.JS(raw),
	})
}

// writePaymentRequiredJSON writes the machine-readable 402 body.
func writePaymentRequiredJSON(w http.ResponseWriter, required h402.PaymentRequired) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(required)
}
