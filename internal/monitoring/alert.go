package monitoring

import (
	"github.com/rs/zerolog/log"
)

// Alert emits a structured alert log line. Picked up by the log pipeline;
// there is no direct pager integration here.
func Alert(message string, labels map[string]string) {
	evt := log.Error().Str("alert", message)
	for k, v := range labels {
		evt = evt.Str(k, v)
	}
	evt.Msg("ALERT: Provisioning issue detected")
}
