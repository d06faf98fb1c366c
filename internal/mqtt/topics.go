package mqtt

import "strings"

// SafeToken makes s usable as a single MQTT topic level. Separator and
// wildcard characters become dashes so a hostile room ID cannot change
// the topic shape.
func SafeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', 0:
			return '-'
		}
		return r
	}, s)
}

// AvailabilityTopic is the retained online/offline topic.
func AvailabilityTopic(prefix string) string {
	return prefix + "/availability"
}

// InboundFilter is the subscription filter covering every room's
// inbound topic.
func InboundFilter(prefix string) string {
	return prefix + "/rooms/+/in"
}

// OutboundTopic is where the agent's replies for one room are
// published.
func OutboundTopic(prefix, room string) string {
	return prefix + "/rooms/" + SafeToken(room) + "/out"
}

// RoomFromTopic extracts the room token from an inbound topic. It
// reports false for topics that do not match <prefix>/rooms/<room>/in.
func RoomFromTopic(prefix, topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/rooms/")
	if !ok {
		return "", false
	}
	room, ok := strings.CutSuffix(rest, "/in")
	if !ok || room == "" || strings.ContainsAny(room, "/+#") {
		return "", false
	}
	return room, true
}
