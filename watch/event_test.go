package watch

import (
	"reflect"
	"testing"
)

func TestEventKindString_SingleKinds(t *testing.T) {
	cases := map[EventKind]string{
		Rename:           "Rename",
		Write:            "Write",
		Delete:           "Delete",
		AttributeChange:  "AttributeChange",
		SizeIncrease:     "SizeIncrease",
		LinkCountChange:  "LinkCountChange",
		AccessRevocation: "AccessRevocation",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("EventKind(%#x).String() = %q, want %q", uint32(kind), got, want)
		}
	}
}

func TestEventKindString_MultiBitJoinsInDecodeOrder(t *testing.T) {
	got := (AttributeChange | Write).String()
	if got != "Write|AttributeChange" {
		t.Errorf("String() = %q, want %q", got, "Write|AttributeChange")
	}
}

func TestEventKindString_EmptyMask(t *testing.T) {
	if got := EventKind(0).String(); got != "None" {
		t.Errorf("String() = %q, want %q", got, "None")
	}
}

func TestParseKind_RoundTrip(t *testing.T) {
	for _, kind := range decodeOrder {
		parsed, ok := ParseKind(kind.String())
		if !ok || parsed != kind {
			t.Errorf("ParseKind(%q) = (%v, %v), want (%v, true)", kind.String(), parsed, ok, kind)
		}
	}
	if _, ok := ParseKind("Truncate"); ok {
		t.Error("ParseKind accepted an unknown kind name")
	}
}

// A multi-bit flag word must decode into every set kind, in the fixed order
// Rename, Write, Delete, AttributeChange, SizeIncrease, LinkCountChange,
// AccessRevocation — never just the first match.
func TestSplit_FixedDecodeOrder(t *testing.T) {
	got := (AttributeChange | Write).split()
	want := []EventKind{Write, AttributeChange}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("split() = %v, want %v", got, want)
	}

	got = All.split()
	want = []EventKind{Rename, Write, Delete, AttributeChange, SizeIncrease, LinkCountChange, AccessRevocation}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("split(All) = %v, want %v", got, want)
	}
}

func TestSplit_ReturnsFreshSlice(t *testing.T) {
	first := (Write | Delete).split()
	second := (Write | Delete).split()
	first[0] = AccessRevocation
	if second[0] != Write {
		t.Error("split() results share backing storage")
	}
}
