package inspect

import (
	"strings"

	"github.com/nuetzliches/sbinspect/internal/queue"
)

var nserviceBusPrefixes = []string{"nservicebus.", "$.diagnostics."}

func isNServiceBusKey(key string) bool {
	k := strings.ToLower(key)
	for _, p := range nserviceBusPrefixes {
		if strings.HasPrefix(k, p) {
			return true
		}
	}
	return false
}

// IsNServiceBusMessage reports whether msg carries NServiceBus headers.
func IsNServiceBusMessage(msg queue.Message) bool {
	for k := range msg.Properties {
		if isNServiceBusKey(k) {
			return true
		}
	}
	return false
}

// NServiceBusProperties returns the NServiceBus headers of msg. The result
// is never nil.
func NServiceBusProperties(msg queue.Message) map[string]queue.Value {
	out := make(map[string]queue.Value)
	for k, v := range msg.Properties {
		if isNServiceBusKey(k) {
			out[k] = v
		}
	}
	return out
}
