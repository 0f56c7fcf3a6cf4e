// Package watch implements a per-process file and directory
// change-notification engine on top of the BSD kqueue facility.
//
// Callers register absolute filesystem paths together with a bitmask of the
// change kinds they care about. A single background goroutine polls the
// kernel event queue, decodes the returned vnode records into typed events,
// and delivers them either to an optional callback, to the broadcast Events
// channel, or to both (see Options.AlwaysBroadcast).
//
// # Atomic saves
//
// Many editors save files by writing a temporary file and renaming it over
// the original. From the engine's point of view the watched descriptor then
// refers to an orphaned inode and no further changes to the path are
// observed. The engine deliberately does not try to reopen the path behind
// the caller's back — the timing of disk I/O makes that unreliable. Instead,
// on every received event the caller should Remove and re-Add the path so
// that a possible replacement file is picked up.
package watch

import (
	"strings"
	"time"
)

// EventKind is a bitmask over the seven vnode change kinds reported by the
// kernel. The constant values mirror the kernel NOTE_* flag bits so that a
// raw flag word decodes without arithmetic.
type EventKind uint32

const (
	// Delete fires when the watched item is removed.
	Delete EventKind = 0x00000001
	// Write fires when the item's contents change. For a watched directory
	// this includes entries being added or removed.
	Write EventKind = 0x00000002
	// SizeIncrease fires when the item's size increases.
	SizeIncrease EventKind = 0x00000004
	// AttributeChange fires when the item's metadata (permissions,
	// timestamps, ownership) changes.
	AttributeChange EventKind = 0x00000008
	// LinkCountChange fires when the item's link count changes.
	LinkCountChange EventKind = 0x00000010
	// Rename fires when the item is renamed or moved.
	Rename EventKind = 0x00000020
	// AccessRevocation fires when access to the item is revoked, e.g. the
	// backing filesystem was unmounted.
	AccessRevocation EventKind = 0x00000040

	// All subscribes to every change kind. It is the default for Add.
	All = Rename | Write | Delete | AttributeChange |
		SizeIncrease | LinkCountChange | AccessRevocation
)

// decodeOrder fixes the order in which a multi-bit kernel flag word is
// decoded into individual kinds. A single kernel record may carry several
// set bits; each produces its own delivery, always in this order.
var decodeOrder = [...]EventKind{
	Rename,
	Write,
	Delete,
	AttributeChange,
	SizeIncrease,
	LinkCountChange,
	AccessRevocation,
}

// kindNames maps each single-kind value to its canonical name. The names are
// part of the public contract: they appear in Event.Kind.String() and in the
// payloads of every downstream delivery surface.
var kindNames = map[EventKind]string{
	Rename:           "Rename",
	Write:            "Write",
	Delete:           "Delete",
	AttributeChange:  "AttributeChange",
	SizeIncrease:     "SizeIncrease",
	LinkCountChange:  "LinkCountChange",
	AccessRevocation: "AccessRevocation",
}

// String returns the canonical name of k. For a multi-bit mask the names of
// all set kinds are joined with "|" in decode order. An empty or foreign
// mask renders as "None".
func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	var names []string
	for _, kind := range decodeOrder {
		if k&kind != 0 {
			names = append(names, kindNames[kind])
		}
	}
	if len(names) == 0 {
		return "None"
	}
	return strings.Join(names, "|")
}

// ParseKind returns the single EventKind with the given canonical name.
// The boolean result is false for unknown names.
func ParseKind(name string) (EventKind, bool) {
	for kind, n := range kindNames {
		if n == name {
			return kind, true
		}
	}
	return 0, false
}

// split decomposes a possibly multi-bit mask into single kinds, in decode
// order. The result is a fresh slice every call; it is safe to hand off to
// asynchronous consumers.
func (k EventKind) split() []EventKind {
	var kinds []EventKind
	for _, kind := range decodeOrder {
		if k&kind != 0 {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// Names returns the canonical names of all kinds set in k, in decode order.
func (k EventKind) Names() []string {
	var names []string
	for _, kind := range decodeOrder {
		if k&kind != 0 {
			names = append(names, kindNames[kind])
		}
	}
	return names
}

// Event is one decoded change delivered on the broadcast channel. Kind is
// always a single bit; a kernel record with several set bits produces several
// Events.
type Event struct {
	// Path is the watched path the change was observed on.
	Path string
	// Kind is the single change kind this event reports.
	Kind EventKind
	// Timestamp is when the engine decoded the kernel record.
	Timestamp time.Time
}
