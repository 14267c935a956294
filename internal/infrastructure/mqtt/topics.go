package mqtt

import (
	"fmt"
	"strings"
)

// TopicRoot prefixes every homesync topic.
const TopicRoot = "homesync"

// Topics builds homesync topic names.
//
// Layout:
//
//	homesync/state/{home}/{device}/{entity}     entity value, retained
//	homesync/presence/{home}/{device}           "online" or "offline", retained
//	homesync/command/{home}/{device}/{entity}   command value from local clients
//	homesync/system/status                      service status and Last Will
//
// Ids are used as topic levels as they are; ValidLevel reports whether an
// id can be.
type Topics struct{}

// State is the retained value topic of one entity.
func (Topics) State(homeID, deviceID, entityID string) string {
	return fmt.Sprintf("%s/state/%s/%s/%s", TopicRoot, homeID, deviceID, entityID)
}

// Presence is the retained online/offline topic of one device.
func (Topics) Presence(homeID, deviceID string) string {
	return fmt.Sprintf("%s/presence/%s/%s", TopicRoot, homeID, deviceID)
}

// Command is the topic local clients publish a command for one entity on.
func (Topics) Command(homeID, deviceID, entityID string) string {
	return fmt.Sprintf("%s/command/%s/%s/%s", TopicRoot, homeID, deviceID, entityID)
}

// HomeCommands matches every command topic of a home.
func (Topics) HomeCommands(homeID string) string {
	return fmt.Sprintf("%s/command/%s/+/+", TopicRoot, homeID)
}

// HomeStates matches every state topic of a home.
func (Topics) HomeStates(homeID string) string {
	return fmt.Sprintf("%s/state/%s/#", TopicRoot, homeID)
}

// SystemStatus is the service status topic.
func (Topics) SystemStatus() string {
	return TopicRoot + "/system/status"
}

// CommandTarget is what a command topic addresses.
type CommandTarget struct {
	HomeID   string
	DeviceID string
	EntityID string
}

// ParseCommand splits a command topic into its target.
func (Topics) ParseCommand(topic string) (CommandTarget, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 5 || parts[0] != TopicRoot || parts[1] != "command" {
		return CommandTarget{}, fmt.Errorf("%w: %q is not a command topic", ErrInvalidTopic, topic)
	}
	for _, p := range parts[2:] {
		if p == "" {
			return CommandTarget{}, fmt.Errorf("%w: empty level in %q", ErrInvalidTopic, topic)
		}
	}
	return CommandTarget{HomeID: parts[2], DeviceID: parts[3], EntityID: parts[4]}, nil
}

// ValidLevel reports whether id can be used as one topic level: it must be
// non-empty and free of separators and wildcards.
func ValidLevel(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#\x00")
}
