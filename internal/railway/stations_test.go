package railway

import (
	"os"
	"path/filepath"
	"testing"
)

const stationJS = `var station_names ='@bjb|北京北|VAP|beijingbei|bjb|0|0357|北京|||@bjn|北京南|VNP|beijingnan|bjn|2|0357|北京|||@shh|上海|SHH|shanghai|sh|3|0712|上海|||@sh|上海虹桥|AOH|shanghaihongqiao|shhq|4|0712|上海|||@bad|short';`

func TestParseStations(t *testing.T) {
	t.Parallel()

	st := ParseStations(stationJS)
	if len(st) != 4 {
		t.Fatalf("len = %d, want 4", len(st))
	}
	if st[0].Name != "北京北" || st[0].Code != "VAP" || st[0].Pinyin != "beijingbei" || st[0].City != "北京" {
		t.Fatalf("first station = %+v", st[0])
	}
}

func TestStationTableLookup(t *testing.T) {
	t.Parallel()

	tbl := NewStationTable(ParseStations(stationJS))
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"上海", "SHH", true},
		{"北京南", "VNP", true},
		{"ABC", "ABC", true},
		{"abc", "", false},
		{"不存在", "", false},
	}
	for _, tt := range tests {
		got, ok := tbl.Code(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Fatalf("Code(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
	if name, ok := tbl.Name("AOH"); !ok || name != "上海虹桥" {
		t.Fatalf("Name(AOH) = %q, %v", name, ok)
	}
}

func TestStationSearch(t *testing.T) {
	t.Parallel()

	tbl := NewStationTable(ParseStations(stationJS))
	got := tbl.Search("上海", 10)
	if len(got) != 2 || got[0].Name != "上海" {
		t.Fatalf("Search(上海) = %+v", got)
	}
	if got := tbl.Search("bj", 1); len(got) != 1 {
		t.Fatalf("limit not applied: %d", len(got))
	}
	if got := tbl.Search("", 5); got != nil {
		t.Fatalf("empty keyword should match nothing")
	}
}

func TestLoadStationFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "station_name.js")
	if err := os.WriteFile(path, []byte(stationJS), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := LoadStationFile(path)
	if err != nil || len(st) != 4 {
		t.Fatalf("LoadStationFile = %d, %v", len(st), err)
	}

	empty := filepath.Join(dir, "empty.js")
	if err := os.WriteFile(empty, []byte("var station_names ='';"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadStationFile(empty); err == nil {
		t.Fatalf("expected error for empty table")
	}
}
