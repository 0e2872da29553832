package config

import "strings"

// StringList is a repeatable flag; each occurrence may also hold a CSV list.
type StringList []string

func (l *StringList) String() string { return strings.Join(*l, ",") }

func (l *StringList) Set(v string) error {
	*l = append(*l, parseCSV(v)...)
	return nil
}

// Or returns l when set, else def.
func (l StringList) Or(def []string) []string {
	if len(l) > 0 {
		return l
	}
	return def
}
