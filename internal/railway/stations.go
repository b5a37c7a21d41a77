package railway

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var ErrNoStations = errors.New("station table is empty")

// Station is one entry of the site's station_name.js.
type Station struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Pinyin      string `json:"pinyin"`
	ShortPinyin string `json:"short_pinyin"`
	City        string `json:"city,omitempty"`
}

// StationTable maps names to telecodes and back. Safe for concurrent use;
// Replace swaps the whole table.
type StationTable struct {
	mu     sync.RWMutex
	order  []Station
	byName map[string]Station
	byCode map[string]Station
}

func NewStationTable(stations []Station) *StationTable {
	t := &StationTable{}
	t.Replace(stations)
	return t
}

var reStationNames = regexp.MustCompile(`var station_names\s*=\s*'([^']+)'`)

// ParseStations reads the station_name.js format:
// "@bjb|北京北|VAP|beijingbei|bjb|0|0357|北京|||". The JS wrapper is optional.
func ParseStations(content string) []Station {
	if m := reStationNames.FindStringSubmatch(content); m != nil {
		content = m[1]
	}
	var out []Station
	for _, part := range strings.Split(content, "@") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		f := strings.Split(part, "|")
		if len(f) < 7 || f[1] == "" || f[2] == "" {
			continue
		}
		st := Station{ShortPinyin: f[0], Name: f[1], Code: f[2], Pinyin: f[3]}
		if len(f) > 7 {
			st.City = f[7]
		}
		out = append(out, st)
	}
	return out
}

// LoadStationFile parses a station_name.js file from disk.
func LoadStationFile(path string) ([]Station, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read station file: %w", err)
	}
	st := ParseStations(string(b))
	if len(st) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoStations)
	}
	return st, nil
}

func (t *StationTable) Replace(stations []Station) {
	byName := make(map[string]Station, len(stations))
	byCode := make(map[string]Station, len(stations))
	order := make([]Station, 0, len(stations))
	for _, s := range stations {
		if _, dup := byName[s.Name]; !dup {
			order = append(order, s)
		}
		byName[s.Name] = s
		byCode[s.Code] = s
	}
	t.mu.Lock()
	t.order, t.byName, t.byCode = order, byName, byCode
	t.mu.Unlock()
}

func (t *StationTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Code resolves a station name to its telecode. A three-letter upper-case
// token is taken as a telecode as is.
func (t *StationTable) Code(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if isTelecode(name) {
		return name, true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byName[name]
	return s.Code, ok
}

// Name resolves a telecode back to the station name.
func (t *StationTable) Name(code string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.byCode[code]
	return s.Name, ok
}

// Search matches keyword against name, pinyin and short pinyin, case
// insensitive. Exact name matches sort first.
func (t *StationTable) Search(keyword string, limit int) []Station {
	kw := strings.ToLower(strings.TrimSpace(keyword))
	if kw == "" {
		return nil
	}
	if limit <= 0 {
		limit = 20
	}
	t.mu.RLock()
	var out []Station
	for _, s := range t.order {
		if strings.Contains(strings.ToLower(s.Name), kw) ||
			strings.Contains(s.Pinyin, kw) ||
			strings.Contains(s.ShortPinyin, kw) {
			out = append(out, s)
		}
	}
	t.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) == kw && strings.ToLower(out[j].Name) != kw
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func isTelecode(s string) bool {
	if len(s) != 3 {
		return false
	}
	for i := 0; i < 3; i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
