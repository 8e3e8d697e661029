package gateway

import "strings"

// MessageKind classifies an inbound broker message by its topic suffix.
// The suffix is the discriminator for probe traffic; payload contents are
// never sniffed.
type MessageKind int

const (
	KindUnknown MessageKind = iota
	KindSwitchAck
	KindTelemetry
	KindProbeAck
)

func (k MessageKind) String() string {
	switch k {
	case KindSwitchAck:
		return "switch_ack"
	case KindTelemetry:
		return "telemetry"
	case KindProbeAck:
		return "probe_ack"
	default:
		return "unknown"
	}
}

const (
	suffixSwitchAck = "oc/c"
	suffixTelemetry = "up/c"
	suffixProbeAck  = "nI/c"

	suffixSwitchCmd = "oc/s"
	suffixProbe     = "nI/s"
)

// classifyTopic splits an inbound topic into the device identifier (segment 1)
// and the message kind. ok is false when no device segment is present.
func classifyTopic(topic string) (device string, kind MessageKind, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[1] == "" {
		return "", KindUnknown, false
	}
	device = parts[1]
	switch strings.Join(parts[2:], "/") {
	case suffixSwitchAck:
		kind = KindSwitchAck
	case suffixTelemetry:
		kind = KindTelemetry
	case suffixProbeAck:
		kind = KindProbeAck
	default:
		kind = KindUnknown
	}
	return device, kind, true
}

// ProbeTopic is the outbound topic a presence probe is published on.
func ProbeTopic(namespace, device string) string {
	return namespace + "/" + device + "/" + suffixProbe
}

// SwitchTopic is the outbound topic a switch command is published on.
func SwitchTopic(namespace, device string) string {
	return namespace + "/" + device + "/" + suffixSwitchCmd
}

func subscriptionFilters(namespace string) []string {
	return []string{
		namespace + "/+/" + suffixSwitchAck,
		namespace + "/+/" + suffixTelemetry,
		namespace + "/+/" + suffixProbeAck,
	}
}
