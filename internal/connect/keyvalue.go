package connect

import (
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Reserved configuration keys understood by the runtime.
const (
	ConnectorClass        = "connector-class"
	ConnectorName         = "connector-name"
	TaskClass             = "task-class"
	ConfigDeleted         = "config-deleted"
	SourceRecordConverter = "source-record-converter"
	MessagingDriver       = "messaging-driver"
	UpdateTimestamp       = "update-timestamp"
	TaskID                = "task-id"
	Topics                = "topics"
	GroupID               = "group-id"
	StoreTopic            = "store-topic"
	MaxRecordsPerSecond   = "max-records-per-second"
)

// KeyValue is an immutable string mapping compared by content.
// The zero value is an empty mapping.
type KeyValue struct {
	m map[string]string
}

// ConnectorConfig is the desired configuration of one connector.
type ConnectorConfig = KeyValue

// TaskConfig is the configuration of one task of a connector.
type TaskConfig = KeyValue

func NewKeyValue(src map[string]string) KeyValue {
	m := make(map[string]string, len(src))
	for k, v := range src {
		m[k] = v
	}
	return KeyValue{m: m}
}

// With returns a copy carrying k=v.
func (kv KeyValue) With(k, v string) KeyValue {
	m := make(map[string]string, len(kv.m)+1)
	for key, val := range kv.m {
		m[key] = val
	}
	m[k] = v
	return KeyValue{m: m}
}

func (kv KeyValue) Get(k string) string { return kv.m[k] }

func (kv KeyValue) Has(k string) bool {
	_, ok := kv.m[k]
	return ok
}

func (kv KeyValue) Len() int { return len(kv.m) }

// GetInt returns 0 when the key is missing or not a number.
func (kv KeyValue) GetInt(k string) int {
	n, err := strconv.Atoi(strings.TrimSpace(kv.m[k]))
	if err != nil {
		return 0
	}
	return n
}

func (kv KeyValue) GetInt64(k string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(kv.m[k]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (kv KeyValue) GetBool(k string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(kv.m[k]))
	return b
}

// GetList splits a comma separated value, dropping blanks.
func (kv KeyValue) GetList(k string) []string {
	var out []string
	for _, s := range strings.Split(kv.m[k], ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (kv KeyValue) Keys() []string {
	keys := make([]string, 0, len(kv.m))
	for k := range kv.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the underlying mapping.
func (kv KeyValue) Map() map[string]string {
	m := make(map[string]string, len(kv.m))
	for k, v := range kv.m {
		m[k] = v
	}
	return m
}

func (kv KeyValue) Equal(other KeyValue) bool {
	if len(kv.m) != len(other.m) {
		return false
	}
	for k, v := range kv.m {
		ov, ok := other.m[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// Deleted reports whether the config carries the deletion marker, written
// either as a non-zero number or as a boolean.
func (kv KeyValue) Deleted() bool {
	v := strings.TrimSpace(kv.m[ConfigDeleted])
	if n, err := strconv.Atoi(v); err == nil {
		return n != 0
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// Canonical renders the mapping in sorted, length-prefixed form. Two configs
// have the same canonical form iff they are Equal.
func (kv KeyValue) Canonical() string {
	var b strings.Builder
	for _, k := range kv.Keys() {
		v := kv.m[k]
		b.WriteString(strconv.Itoa(len(k)))
		b.WriteByte(':')
		b.WriteString(k)
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
	}
	return b.String()
}

func (kv KeyValue) String() string {
	parts := make([]string, 0, len(kv.m))
	for _, k := range kv.Keys() {
		parts = append(parts, k+"="+kv.m[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (kv KeyValue) MarshalJSON() ([]byte, error) {
	if kv.m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(kv.m)
}

func (kv *KeyValue) UnmarshalJSON(b []byte) error {
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*kv = NewKeyValue(m)
	return nil
}

func (kv KeyValue) MarshalYAML() (any, error) {
	return kv.Map(), nil
}

func (kv *KeyValue) UnmarshalYAML(unmarshal func(any) error) error {
	var m map[string]string
	if err := unmarshal(&m); err != nil {
		return err
	}
	*kv = NewKeyValue(m)
	return nil
}
