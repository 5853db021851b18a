package api

import (
	"context"
	"net/http"

	"github.com/a-h/templ"

	"procodus.dev/rabbitmq-poc/pkg/metrics"
)

// render writes component as an HTML page, counting failures per template.
func render(ctx context.Context, w http.ResponseWriter, m *metrics.APIMetrics, name string, status int, component templ.Component) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	//nolint:contextcheck // Context is passed to Templ's Render method
	if err := component.Render(ctx, w); err != nil {
		if m != nil {
			m.TemplateRenderErrors.WithLabelValues(name).Inc()
		}
		return err
	}
	return nil
}
