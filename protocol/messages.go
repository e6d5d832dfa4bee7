package protocol

import (
	"bufio"
	"io"
	"strings"
)

const (
	// Approved is the handshake acknowledgment for an accepted name.
	Approved = "APPROVED"

	// WelcomeNotice is sent privately to a session once its name is approved.
	WelcomeNotice = "You Joined the room"

	// MaxLineSize bounds one client line, terminator included.
	MaxLineSize = 16 * 1024

	// MaxNameLength bounds a display name in bytes.
	MaxNameLength = 64

	notApproved = "NOT APPROVED"
)

// NotApproved renders the rejection acknowledgment for a name claim. The reason
// is usually the rejected name and may be empty.
func NotApproved(reason string) string {
	if reason == "" {
		return notApproved
	}

	return reason + " " + notApproved
}

// NormalizeName returns the form of a candidate name that the server
// registers: line breaks folded into spaces, surrounding whitespace removed.
func NormalizeName(name string) string {
	return strings.TrimSpace(lineBreaks.Replace(name))
}

// IsApproved reports whether ev is the handshake approval.
func IsApproved(ev Event) bool {
	return ev.Kind == KindText && ev.Text == Approved
}

// RejectionReason extracts the reason from a NOT APPROVED acknowledgment.
//
// Returns:
//   - The reason (possibly empty) and true if ev is a rejection, "" and false otherwise
func RejectionReason(ev Event) (string, bool) {
	if ev.Kind != KindText || !strings.HasSuffix(ev.Text, notApproved) {
		return "", false
	}

	return strings.TrimSpace(strings.TrimSuffix(ev.Text, notApproved)), true
}

// JoinNotice announces a new participant to everybody else.
func JoinNotice(name string) string {
	return name + " Has Joined The Room."
}

// LeaveNotice announces a departed participant.
func LeaveNotice(name string) string {
	return name + " Has Left The Room."
}

// ChatLine renders a relayed message as "<name>: <text>".
func ChatLine(name, text string) string {
	return name + ": " + text
}

// NewLineScanner returns a scanner over newline-delimited client input. Lines
// longer than MaxLineSize stop the scanner with bufio.ErrTooLong; a trailing
// carriage return is dropped.
func NewLineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), MaxLineSize)
	return scanner
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ")

// WriteLine writes s as one line. Embedded line breaks are folded into spaces
// so a single call never produces more than one logical message.
func WriteLine(w io.Writer, s string) error {
	_, err := io.WriteString(w, lineBreaks.Replace(s)+"\n")
	return err
}
