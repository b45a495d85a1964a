package state

import "fmt"

const (
	KeyPrefixRoom = "room:"

	// ChannelPrefixRoom namespaces cross-instance room broadcasts.
	ChannelPrefixRoom = "relay:room:"
)

func RoomKey(roomID string) string {
	return fmt.Sprintf("%s%s", KeyPrefixRoom, roomID)
}

func RoomChannel(roomID string) string {
	return fmt.Sprintf("%s%s", ChannelPrefixRoom, roomID)
}
