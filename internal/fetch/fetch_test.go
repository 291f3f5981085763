package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"

	"labpipe/internal/tabfile"
	"labpipe/internal/workspace"
)

func serveCSV(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPracticesJoinsRegisterWithListSizes(t *testing.T) {
	orgs := serveCSV(t, `code,ccg,name,setting
A81001,00C,THE DENSHAM SURGERY,4
A81002,00C,QUEENS PARK MEDICAL CENTRE,4
Y00001,00C,SOME WALK-IN CENTRE,3
B82001,00D,NO STATS PRACTICE,4
`)
	stats := serveCSV(t, `row_id,date,total_list_size
A81001,2026-01-01,10000
A81001,2026-02-01,10100
A81002,2026-01-01,5000
`)

	s := workspace.Defaults(t.TempDir())
	if err := s.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	s.PracticesURL = orgs.URL
	s.PracticeStatsURL = stats.URL

	c, err := New(s)
	if err != nil {
		t.Fatal(err)
	}
	path, err := c.Practices(context.Background())
	if err != nil {
		t.Fatalf("Practices: %v", err)
	}

	rows, err := tabfile.ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"ccg_id", "practice_id", "practice_name", "month", "total_list_size"},
		{"00C", "A81001", "THE DENSHAM SURGERY", "2026/01/01", "10000"},
		{"00C", "A81001", "THE DENSHAM SURGERY", "2026/02/01", "10100"},
		{"00C", "A81002", "QUEENS PARK MEDICAL CENTRE", "2026/01/01", "5000"},
		{"00D", "B82001", "NO STATS PRACTICE", "", ""},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("practice lookup (-want +got):\n%s", diff)
	}
}

func TestPracticesRejectsMissingColumns(t *testing.T) {
	orgs := serveCSV(t, "code,name\nA81001,X\n")
	s := workspace.Defaults(t.TempDir())
	if err := s.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	s.PracticesURL = orgs.URL
	s.PracticeStatsURL = orgs.URL

	c, err := New(s)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Practices(context.Background()); err == nil {
		t.Error("want error for register without a setting column")
	}
}

func TestPracticesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	s := workspace.Defaults(t.TempDir())
	if err := s.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	s.PracticesURL = srv.URL
	s.PracticeStatsURL = srv.URL

	c, err := New(s)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Practices(context.Background()); err == nil {
		t.Error("want error on 503")
	}
}

func TestTestCodesKeepsOnlyPublished(t *testing.T) {
	codes := serveCSV(t, `datalab_testcode,testname,show_in_app?,nd_testcode
HB,Haemoglobin,True,HB1
K,Potassium,False,K1
NA,Sodium,True,NA1
`)

	s := workspace.Defaults(t.TempDir())
	if err := s.EnsureDirs(); err != nil {
		t.Fatal(err)
	}
	s.TestCodesURL = codes.URL

	c, err := New(s)
	if err != nil {
		t.Fatal(err)
	}
	path, err := c.TestCodes(context.Background())
	if err != nil {
		t.Fatalf("TestCodes: %v", err)
	}

	rows, err := tabfile.ReadAll(path)
	if err != nil {
		t.Fatal(err)
	}
	want := [][]string{
		{"datalab_testcode", "testname", "show_in_app?", "nd_testcode"},
		{"HB", "Haemoglobin", "True", "HB1"},
		{"NA", "Sodium", "True", "NA1"},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("test codes (-want +got):\n%s", diff)
	}
}

func TestNewRequiresSettings(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("want error for nil settings")
	}
}
