package value

import (
	"fmt"
	"strconv"
	"strings"
)

// BaseName is a directory key: either a string key (SID) or an integer key
// (IID). BaseNames are totally ordered: all IIDs sort before all SIDs, IIDs
// by integer value, SIDs by byte order.
//
// The zero value is IID(0).
type BaseName struct {
	sid   string
	iid   int64
	isSID bool
}

// SID creates a string-keyed BaseName.
func SID(s string) BaseName {
	return BaseName{sid: s, isSID: true}
}

// IID creates an integer-keyed BaseName.
func IID(n int64) BaseName {
	return BaseName{iid: n}
}

// IsSID reports whether the key is a string key.
func (b BaseName) IsSID() bool { return b.isSID }

// StringKey returns the string key and whether the BaseName is an SID.
func (b BaseName) StringKey() (string, bool) { return b.sid, b.isSID }

// IntKey returns the integer key and whether the BaseName is an IID.
func (b BaseName) IntKey() (int64, bool) { return b.iid, !b.isSID }

// Compare returns -1, 0, or 1 ordering b against o.
func (b BaseName) Compare(o BaseName) int {
	if b.isSID != o.isSID {
		// IIDs sort before SIDs.
		if !b.isSID {
			return -1
		}
		return 1
	}
	if b.isSID {
		return strings.Compare(b.sid, o.sid)
	}
	switch {
	case b.iid < o.iid:
		return -1
	case b.iid > o.iid:
		return 1
	}
	return 0
}

// String returns the textual form of the key: "sid:<s>" or "iid:<n>".
// ParseBaseName round-trips this form.
func (b BaseName) String() string {
	if b.isSID {
		return "sid:" + b.sid
	}
	return "iid:" + strconv.FormatInt(b.iid, 10)
}

// ParseBaseName parses the textual form produced by String.
func ParseBaseName(s string) (BaseName, error) {
	switch {
	case strings.HasPrefix(s, "sid:"):
		return SID(s[len("sid:"):]), nil
	case strings.HasPrefix(s, "iid:"):
		n, err := strconv.ParseInt(s[len("iid:"):], 10, 64)
		if err != nil {
			return BaseName{}, fmt.Errorf("parse basename %q: %w", s, err)
		}
		return IID(n), nil
	}
	return BaseName{}, fmt.Errorf("parse basename %q: missing sid:/iid: tag", s)
}

// DirName is an absolute, '/'-delimited directory name, unique per context.
type DirName string

// NewDirName validates and normalises a directory name. Names must be
// absolute; a missing trailing slash is added.
func NewDirName(s string) (DirName, error) {
	if s == "" || s[0] != '/' {
		return "", fmt.Errorf("dir name %q: must be absolute", s)
	}
	if !strings.HasSuffix(s, "/") {
		s += "/"
	}
	return DirName(s), nil
}

// MustDirName is like NewDirName but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDirName(s string) DirName {
	d, err := NewDirName(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Path identifies a single cell: one key in one directory.
type Path struct {
	Dir DirName
	Key BaseName
}

// NewPath creates a Path.
func NewPath(dir DirName, key BaseName) Path {
	return Path{Dir: dir, Key: key}
}

// Compare orders paths by directory name, then key. This is the order in
// which dirty readers are drained, which makes recomputation deterministic.
func (p Path) Compare(o Path) int {
	if c := strings.Compare(string(p.Dir), string(o.Dir)); c != 0 {
		return c
	}
	return p.Key.Compare(o.Key)
}

// String returns "<dir><key>" (dir names carry their trailing slash).
func (p Path) String() string {
	return string(p.Dir) + p.Key.String()
}
