package demo

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"procodus.dev/rabbitmq-poc/pkg/mq"
)

const (
	boxRule    = "##############################################"
	boxTitle   = "##            MESSAGE RECEIVED              ##"
	previewLen = 100
)

// FormatDelivery renders d in the boxed layout printed by the session.
// Headers are listed in key order.
func FormatDelivery(d mq.Delivery) string {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(boxRule + "\n")
	b.WriteString(boxTitle + "\n")
	b.WriteString(boxRule + "\n")
	fmt.Fprintf(&b, "# Consumer: %s\n", d.ConsumerTag)
	fmt.Fprintf(&b, "# Exchange: %s\n", d.Exchange)
	fmt.Fprintf(&b, "# Routing Key: %s\n", d.RoutingKey)
	fmt.Fprintf(&b, "# Message: %s\n", d.Preview(previewLen))
	if len(d.Headers) > 0 {
		b.WriteString("# Headers:\n")
		keys := make([]string, 0, len(d.Headers))
		for k := range d.Headers {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "#   %s: %v\n", k, d.Headers[k])
		}
	}
	b.WriteString(boxRule + "\n")
	return b.String()
}

// PrintMenu writes the exchange menu and the choice prompt.
func PrintMenu(w io.Writer) {
	fmt.Fprint(w, "\nSelect exchange type to send message:\n"+
		"1. Direct Exchange\n"+
		"2. Fanout Exchange\n"+
		"3. Topic Exchange\n"+
		"0. Exit\n"+
		"Enter your choice: ")
}
