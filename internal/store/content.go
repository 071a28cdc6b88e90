package store

import "fmt"

// ContentSummary flattens a message into display/search text: free text is
// used verbatim, system events render a fixed template per kind, anything
// else is empty.
func ContentSummary(m *Message) string {
	if m.Content != "" {
		return m.Content
	}
	if m.Event == nil {
		return ""
	}
	e := m.Event
	switch e.Kind {
	case EventMemberAdded:
		return fmt.Sprintf("%s added %s", e.Actor, e.Target)
	case EventMemberRemoved:
		return fmt.Sprintf("%s removed %s", e.Actor, e.Target)
	case EventMemberJoined:
		return fmt.Sprintf("%s joined the channel", e.Actor)
	case EventMemberLeft:
		return fmt.Sprintf("%s left the channel", e.Actor)
	case EventMemberKicked:
		return fmt.Sprintf("%s kicked %s", e.Actor, e.Target)
	case EventMemberBanned:
		return fmt.Sprintf("%s banned %s", e.Actor, e.Target)
	case EventChannelRenamed:
		return fmt.Sprintf("%s renamed the channel to %s", e.Actor, e.Value)
	case EventChannelDescription:
		return fmt.Sprintf("%s changed the channel description", e.Actor)
	case EventChannelIcon:
		return fmt.Sprintf("%s changed the channel icon", e.Actor)
	case EventChannelOwner:
		return fmt.Sprintf("%s transferred ownership to %s", e.Actor, e.Target)
	}
	return ""
}
