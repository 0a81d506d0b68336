package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cohort-survival/pkg/cohort"
	"cohort-survival/pkg/dataset"
	"cohort-survival/pkg/models"

	"go.uber.org/zap"
)

func testResult() *cohort.Result {
	t0 := time.Date(2018, 1, 5, 10, 0, 0, 0, time.UTC)
	snapshot := time.Date(2018, 10, 17, 17, 30, 18, 0, time.UTC)
	rec := models.SurvivalRecord{
		CustomerID:        "u1",
		IndexOrderID:      "o1",
		IndexDate:         t0,
		EventObserved:     true,
		RepurchaseOrderID: "o2",
		RepurchaseStatus:  models.StatusDelivered,
		RepurchaseDT:      t0.AddDate(0, 0, 40),
		DurationDays:      40,
		FollowUpDays:      snapshot.Sub(t0).Seconds() / 86400.0,
	}
	censored := models.SurvivalRecord{
		CustomerID:   "u2",
		IndexOrderID: "o3",
		IndexDate:    t0.AddDate(0, 0, 10),
		DurationDays: snapshot.Sub(t0.AddDate(0, 0, 10)).Seconds() / 86400.0,
		FollowUpDays: snapshot.Sub(t0.AddDate(0, 0, 10)).Seconds() / 86400.0,
	}
	pre := []models.SurvivalRecord{rec, censored}
	return &cohort.Result{
		Snapshot:           snapshot,
		PreFilter:          pre,
		Filtered:           cohort.ApplyFollowUpFilter(pre, 180),
		StatusDistribution: map[string]int{models.StatusDelivered: 1},
		EventsWithin24h:    0,
	}
}

func testConfig() models.Config {
	return models.Config{
		Snapshot:        time.Date(2018, 10, 17, 17, 30, 18, 0, time.UTC),
		MinFollowUpDays: 180,
		Policy:          models.PolicyDeliveredOnly,
	}
}

func writeAll(t *testing.T, outDir string) {
	t.Helper()
	w := NewWriter(zap.NewNop().Sugar())
	err := w.WriteAll(outDir, "raw_data", testResult(), &dataset.Stats{OrdersRead: 4}, testConfig())
	if err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
}

func TestWriteAllProducesAllOutputs(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir)

	for _, name := range []string{CohortFile, PublicCohortFile, AnalyticFile, MetadataFile, SummaryFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("missing output %s: %v", name, err)
		}
	}
	// Aucun fichier temporaire ne doit rester après le commit.
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Fatalf("staging file left behind: %s", e.Name())
		}
	}
}

func TestCohortCSVColumnsAndRows(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir)

	data, err := os.ReadFile(filepath.Join(dir, CohortFile))
	if err != nil {
		t.Fatalf("read cohort csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 { // en-tête + 2 clients
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	if !strings.HasPrefix(lines[0], "customer_id,index_order_id,index_date,event_observed") {
		t.Fatalf("wrong header: %s", lines[0])
	}
	if !strings.HasPrefix(lines[1], "u1,o1,2018-01-05 10:00:00,true,o2,delivered,") {
		t.Fatalf("wrong event row: %s", lines[1])
	}
	if !strings.Contains(lines[1], ",40.000000,") {
		t.Fatalf("duration must be formatted with 6 decimals: %s", lines[1])
	}
}

func TestPublicCSVOmitsIdentifiers(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir)

	data, err := os.ReadFile(filepath.Join(dir, PublicCohortFile))
	if err != nil {
		t.Fatalf("read public csv: %v", err)
	}
	text := string(data)
	if strings.Contains(text, "customer_id") || strings.Contains(text, "u1") || strings.Contains(text, "o1") {
		t.Fatalf("public table must not carry identifiers:\n%s", text)
	}
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if lines[0] != "index_date,event_observed,time_to_event_or_censoring,follow_up_days" {
		t.Fatalf("wrong public header: %s", lines[0])
	}
	// Granularité jour, pas d'heure.
	if !strings.HasPrefix(lines[1], "2018-01-05,") {
		t.Fatalf("index date must be day-granular: %s", lines[1])
	}
}

func TestWriteAllIsIdempotentOnTables(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	writeAll(t, dirA)
	writeAll(t, dirB)

	for _, name := range []string{CohortFile, PublicCohortFile, AnalyticFile} {
		a, err := os.ReadFile(filepath.Join(dirA, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		b, err := os.ReadFile(filepath.Join(dirB, name))
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if string(a) != string(b) {
			t.Fatalf("%s not byte-identical across runs", name)
		}
	}
}

func TestMetadataContents(t *testing.T) {
	dir := t.TempDir()
	writeAll(t, dir)

	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("metadata must be valid JSON: %v", err)
	}
	if meta.SnapshotTS != "2018-10-17 17:30:18" {
		t.Fatalf("wrong snapshot in metadata: %s", meta.SnapshotTS)
	}
	if meta.MinFollowUpDays != 180 || meta.RepurchasePolicy != string(models.PolicyDeliveredOnly) {
		t.Fatalf("wrong parameters in metadata: %+v", meta)
	}
	if meta.PreFilterRows != 2 || meta.PreFilterEvents != 1 {
		t.Fatalf("wrong pre-filter counts: %+v", meta)
	}
	if meta.FilteredRows != 2 || meta.FilteredEvents != 1 {
		t.Fatalf("wrong filtered counts: %+v", meta)
	}
	if meta.BuildID == "" {
		t.Fatal("metadata must carry a build id")
	}
}

func TestEmptyCohortStillWellFormed(t *testing.T) {
	dir := t.TempDir()
	res := &cohort.Result{
		Snapshot:           time.Date(2018, 10, 17, 17, 30, 18, 0, time.UTC),
		StatusDistribution: map[string]int{},
	}
	w := NewWriter(zap.NewNop().Sugar())
	if err := w.WriteAll(dir, "raw_data", res, &dataset.Stats{}, testConfig()); err != nil {
		t.Fatalf("empty cohort must not fail: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, CohortFile))
	if err != nil {
		t.Fatalf("read cohort csv: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "customer_id,") {
		t.Fatalf("empty cohort must still emit the header, got:\n%s", string(data))
	}
}

func TestEndToEndIdempotence(t *testing.T) {
	dataDir := t.TempDir()
	orders := `order_id,customer_id,order_status,order_purchase_timestamp,order_delivered_customer_date
o1,c1,delivered,2018-01-01 10:00:00,2018-01-05 10:00:00
o2,c1,delivered,2018-02-10 10:00:00,2018-02-14 10:00:00
o3,c2,delivered,2018-03-01 10:00:00,2018-03-06 10:00:00
o4,c2,canceled,2018-04-01 10:00:00,
`
	customers := `customer_id,customer_unique_id
c1,u1
c2,u2
`
	if err := os.WriteFile(filepath.Join(dataDir, dataset.OrdersFile), []byte(orders), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, dataset.CustomersFile), []byte(customers), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	buildOnce := func(outDir string) {
		t.Helper()
		loader := dataset.NewLoader(zap.NewNop().Sugar(), false)
		loaded, stats, err := loader.Load(dataDir)
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		cfg := models.Config{
			Snapshot:        stats.MaxPurchaseDT,
			MinFollowUpDays: 180,
			Policy:          models.PolicyDeliveredOnly,
		}
		res, err := cohort.Run(loaded, cfg, zap.NewNop().Sugar())
		if err != nil {
			t.Fatalf("build: %v", err)
		}
		if err := NewWriter(zap.NewNop().Sugar()).WriteAll(outDir, dataDir, res, stats, cfg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	dirA := t.TempDir()
	dirB := t.TempDir()
	buildOnce(dirA)
	buildOnce(dirB)

	for _, name := range []string{CohortFile, PublicCohortFile, AnalyticFile} {
		a, _ := os.ReadFile(filepath.Join(dirA, name))
		b, _ := os.ReadFile(filepath.Join(dirB, name))
		if len(a) == 0 || string(a) != string(b) {
			t.Fatalf("%s not byte-identical across full runs", name)
		}
	}
}

func TestStatusDistributionLinesSorted(t *testing.T) {
	lines := StatusDistributionLines(map[string]int{"shipped": 2, "delivered": 5})
	if len(lines) != 2 || lines[0] != "delivered=5" || lines[1] != "shipped=2" {
		t.Fatalf("unexpected distribution lines: %v", lines)
	}
}
