package boltnet

import (
	"fmt"
	"strconv"
	"strings"
)

// Platform tags the identity provider a ClientIdentifier belongs to.
type Platform uint8

const (
	PlatformGeneric Platform = iota
	PlatformSteam
)

var platformNames = map[Platform]string{
	PlatformGeneric: "generic",
	PlatformSteam:   "steam",
}

func (p Platform) String() string {
	if name, ok := platformNames[p]; ok {
		return name
	}
	return fmt.Sprintf("platform(%d)", uint8(p))
}

// ParsePlatform parses a platform token, ignoring case.
func ParsePlatform(s string) (Platform, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for p, name := range platformNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown platform %q", ErrInvalidIdentifier, s)
}

// ClientIdentifier identifies a client across its connection. It is a
// comparable value and may be used as a map key.
type ClientIdentifier struct {
	Platform Platform
	ID       int64
}

// GenericIdentifier returns an identifier on the generic platform.
func GenericIdentifier(id int64) ClientIdentifier {
	return ClientIdentifier{Platform: PlatformGeneric, ID: id}
}

// SteamIdentifier returns an identifier for a 64-bit Steam id.
func SteamIdentifier(id int64) ClientIdentifier {
	return ClientIdentifier{Platform: PlatformSteam, ID: id}
}

// String renders the identifier as "<platform>:<id>".
func (c ClientIdentifier) String() string {
	return c.Platform.String() + ":" + strconv.FormatInt(c.ID, 10)
}

// ParseClientIdentifier parses the "<platform>:<id>" text form.
func ParseClientIdentifier(s string) (ClientIdentifier, error) {
	platform, id, ok := strings.Cut(s, ":")
	if !ok || strings.Contains(id, ":") {
		return ClientIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}

	p, err := ParsePlatform(platform)
	if err != nil {
		return ClientIdentifier{}, err
	}

	n, err := strconv.ParseInt(strings.TrimSpace(id), 10, 64)
	if err != nil {
		return ClientIdentifier{}, fmt.Errorf("%w: %q: %v", ErrInvalidIdentifier, s, err)
	}

	return ClientIdentifier{Platform: p, ID: n}, nil
}

// MarshalText implements encoding.TextMarshaler.
func (c ClientIdentifier) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *ClientIdentifier) UnmarshalText(b []byte) error {
	parsed, err := ParseClientIdentifier(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
