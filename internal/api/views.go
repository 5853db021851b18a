package api

import (
	"context"
	"fmt"
	"io"

	"github.com/a-h/templ"

	"procodus.dev/rabbitmq-poc/internal/demo"
)

// formResult is the outcome banner shown above the publish form.
type formResult struct {
	Message string
	Success bool
}

// formTargets are the exchanges offered by the form, in menu order.
var formTargets = []string{"1", "2", "3"}

// publishForm renders the HTML publish form, with an optional result banner.
func publishForm(result *formResult) templ.Component {
	return templ.ComponentFunc(func(_ context.Context, w io.Writer) error {
		if _, err := io.WriteString(w, `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>RabbitMQ POC</title></head>
<body>
<h1>Publish a trade message</h1>
`); err != nil {
			return err
		}

		if result != nil {
			class := "error"
			if result.Success {
				class = "success"
			}
			if _, err := fmt.Fprintf(w, "<p class=%q>%s</p>\n", class, templ.EscapeString(result.Message)); err != nil {
				return err
			}
		}

		if _, err := io.WriteString(w, `<form method="post" action="/publish">
<label>Exchange <select name="exchange">
`); err != nil {
			return err
		}
		for _, choice := range formTargets {
			t := demo.Targets[choice]
			if _, err := fmt.Fprintf(w, "<option value=%q data-default-key=%q>%s (%s)</option>\n",
				templ.EscapeString(t.Exchange), templ.EscapeString(t.DefaultKey),
				templ.EscapeString(t.Exchange), templ.EscapeString(t.Kind.String())); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, `</select></label>
<label>Routing key <input name="routing_key" value="`+demo.RoutingKeyOne+`"></label>
<label>Message <textarea name="message"></textarea></label>
<button type="submit">Send</button>
</form>
</body>
</html>
`)
		return err
	})
}
