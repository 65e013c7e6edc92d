package flowstats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"Go2NetLabel/internal/model"
)

// flexUint accepts a JSON number, a quoted decimal or hex number, or null.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(b)), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := parseUint(s)
	if err != nil {
		return fmt.Errorf("invalid counter %s: %w", b, err)
	}
	*f = flexUint(v)
	return nil
}

// flexUint32 is a flexUint for 32-bit fields such as table_id and priority.
type flexUint32 uint32

func (f *flexUint32) UnmarshalJSON(b []byte) error {
	var v flexUint
	if err := v.UnmarshalJSON(b); err != nil {
		return err
	}
	if v > math.MaxUint32 {
		return fmt.Errorf("value %s overflows uint32", b)
	}
	*f = flexUint32(v)
	return nil
}

// twoTo64 is the smallest float64 that does not fit in a uint64.
const twoTo64 = 1 << 64

func parseUint(s string) (uint64, error) {
	if v, err := strconv.ParseUint(s, 10, 64); err == nil {
		return v, nil
	}
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return v, nil
	}
	// Counters occasionally arrive as floats, e.g. 1.2e+06.
	fv, err := strconv.ParseFloat(s, 64)
	if err != nil || fv < 0 || math.IsNaN(fv) {
		return 0, fmt.Errorf("not an unsigned number: %q", s)
	}
	if fv >= twoTo64 {
		return 0, fmt.Errorf("%q overflows uint64", s)
	}
	return uint64(fv), nil
}

// matchFields is the flow match, accepted either as a JSON object or as a
// loosely formatted string such as "in_port=1,eth_src=00:00:00:00:00:01".
type matchFields map[string]string

func (m *matchFields) UnmarshalJSON(b []byte) error {
	out := make(matchFields)
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err == nil {
		for k, raw := range obj {
			out[strings.ToLower(k)] = rawString(raw)
		}
		*m = out
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("match is neither an object nor a string: %w", err)
	}
	for k, v := range parsePairs(s) {
		out[k] = v
	}
	*m = out
	return nil
}

func (m matchFields) first(keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != "" {
			return v
		}
	}
	return ""
}

// actionList is the flow's action list, accepted as a JSON array of strings
// or objects, or as a single comma separated string.
type actionList []string

func (a *actionList) UnmarshalJSON(b []byte) error {
	var list []json.RawMessage
	if err := json.Unmarshal(b, &list); err == nil {
		out := make(actionList, 0, len(list))
		for _, raw := range list {
			var obj map[string]json.RawMessage
			if json.Unmarshal(raw, &obj) == nil {
				// {"type": "OUTPUT", "port": 2}
				if t, ok := obj["type"]; ok {
					entry := rawString(t)
					if p, ok := obj["port"]; ok {
						entry += ":" + rawString(p)
					}
					out = append(out, entry)
				}
				continue
			}
			out = append(out, rawString(raw))
		}
		*a = out
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("actions are neither a list nor a string: %w", err)
	}
	s = strings.Trim(s, "[]")
	var out actionList
	for _, part := range strings.Split(s, ",") {
		part = strings.Trim(strings.TrimSpace(part), `'"`)
		if part != "" {
			out = append(out, part)
		}
	}
	*a = out
	return nil
}

// outPort returns the port of the first OUTPUT action.
func (a actionList) outPort() string {
	for _, act := range a {
		upper := strings.ToUpper(strings.TrimSpace(act))
		if rest, ok := strings.CutPrefix(upper, "OUTPUT"); ok {
			rest = strings.TrimLeft(rest, ":= ")
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

type flowEntry struct {
	SwitchID     flexUint    `json:"switch_id"`
	DPID         flexUint    `json:"dpid"`
	TableID      flexUint32  `json:"table_id"`
	Cookie       flexUint    `json:"cookie"`
	Priority     flexUint32  `json:"priority"`
	PacketCount  flexUint    `json:"packet_count"`
	ByteCount    flexUint    `json:"byte_count"`
	DurationSec  flexUint    `json:"duration_sec"`
	DurationNsec flexUint    `json:"duration_nsec"`
	Match        matchFields `json:"match"`
	Actions      actionList  `json:"actions"`
}

func (e flowEntry) sample(at time.Time, defaultSwitch uint64) model.FlowSample {
	sw := uint64(e.SwitchID)
	if sw == 0 {
		sw = uint64(e.DPID)
	}
	if sw == 0 {
		sw = defaultSwitch
	}
	s := model.FlowSample{
		Timestamp:    at,
		SwitchID:     sw,
		TableID:      uint32(e.TableID),
		Cookie:       uint64(e.Cookie),
		Priority:     uint32(e.Priority),
		InPort:       e.Match.first("in_port"),
		EthSrc:       e.Match.first("eth_src", "dl_src"),
		EthDst:       e.Match.first("eth_dst", "dl_dst"),
		OutPort:      e.Actions.outPort(),
		PacketCount:  uint64(e.PacketCount),
		ByteCount:    uint64(e.ByteCount),
		DurationSec:  uint64(e.DurationSec),
		DurationNsec: uint64(e.DurationNsec),
	}
	s.DeriveRates()
	return s
}

// decodeFlows decodes a stats response into samples stamped with at. The
// body is either a JSON array of flows or an object mapping a datapath id
// to its flows.
func decodeFlows(body []byte, at time.Time) ([]model.FlowSample, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	if body[0] == '[' {
		var entries []flowEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("failed to decode flow list: %w", err)
		}
		out := make([]model.FlowSample, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.sample(at, 0))
		}
		return out, nil
	}

	var bySwitch map[string][]flowEntry
	if err := json.Unmarshal(body, &bySwitch); err != nil {
		return nil, fmt.Errorf("failed to decode flow map: %w", err)
	}
	keys := make([]string, 0, len(bySwitch))
	for k := range bySwitch {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []model.FlowSample
	for _, k := range keys {
		dpid, err := parseUint(k)
		if err != nil {
			return nil, fmt.Errorf("invalid datapath id '%s': %w", k, err)
		}
		for _, e := range bySwitch[k] {
			out = append(out, e.sample(at, dpid))
		}
	}
	return out, nil
}

// rawString renders a raw JSON scalar as a plain string.
func rawString(raw json.RawMessage) string {
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// parsePairs extracts key/value pairs from strings like
// "in_port=1,eth_src=aa:bb:cc:dd:ee:ff" or
// "OFPMatch(oxm_fields={'in_port': 1, 'eth_dst': '00:00:00:00:00:02'})".
func parsePairs(s string) map[string]string {
	if i := strings.Index(s, "oxm_fields="); i >= 0 {
		s = s[i+len("oxm_fields="):]
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case '{', '}', '(', ')', '\'', '"':
			return -1
		}
		return r
	}, s)

	out := make(map[string]string)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		var k, v string
		var ok bool
		if k, v, ok = strings.Cut(part, "="); !ok {
			// "key: value"; the value may itself contain colons (MACs).
			if k, v, ok = strings.Cut(part, ":"); !ok {
				continue
			}
		}
		out[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return out
}
