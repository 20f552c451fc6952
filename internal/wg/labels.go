package wg

import "fmt"

// Class distinguishes a user's devices inside the config file. One block may
// exist per (user, class) pair.
type Class string

const (
	ClassPC    Class = "PC"
	ClassPhone Class = "PHONE"
)

const disconnectedPrefix = "#DISCONNECTED_"

func Classes() []Class {
	return []Class{ClassPC, ClassPhone}
}

// Label is the marker line that opens a peer block for an active peer.
func Label(username string, class Class) string {
	return fmt.Sprintf("#%s_%s", username, class)
}

// DisconnectedLabel is the soft-disabled form of the same marker.
func DisconnectedLabel(username string, class Class) string {
	return fmt.Sprintf("%s%s_%s", disconnectedPrefix, username, class)
}

// LabelVariants lists every marker form a user's blocks can carry, active and
// disconnected, across all classes. A full ban removes all of them.
func LabelVariants(username string) []string {
	var labels []string
	for _, class := range Classes() {
		labels = append(labels, Label(username, class), DisconnectedLabel(username, class))
	}
	return labels
}
