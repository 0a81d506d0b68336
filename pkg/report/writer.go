package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"cohort-survival/pkg/cohort"
	"cohort-survival/pkg/dataset"
	"cohort-survival/pkg/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Noms des fichiers produits dans le répertoire de sortie.
const (
	CohortFile       = "cohort_survival.csv"        // cohorte pré-filtre, colonnes complètes
	PublicCohortFile = "cohort_survival_public.csv" // version publique assainie (sans identifiants)
	AnalyticFile     = "cohort_analytic.csv"        // cohorte analytique : suivi ≥ seuil
	MetadataFile     = "cohort_metadata.json"
	SummaryFile      = "cohort_build_summary.txt"
)

// Metadata décrit une exécution pour les scripts aval et la reproductibilité.
type Metadata struct {
	BuildID              string `json:"build_id"`
	BuiltAt              string `json:"built_at"`
	SnapshotTS           string `json:"snapshot_ts"`
	MinFollowUpDays      int    `json:"min_follow_up_days"`
	RepurchasePolicy     string `json:"repurchase_policy"`
	IndexOrderDefinition string `json:"index_order_definition"`
	RepurchaseDefinition string `json:"repurchase_definition"`

	Inputs map[string]string `json:"inputs"`

	OrdersRead               int `json:"orders_read"`
	DuplicateOrdersDropped   int `json:"duplicate_orders_dropped"`
	MalformedRowsDropped     int `json:"malformed_rows_dropped"`
	UnknownStatusesDropped   int `json:"unknown_statuses_dropped"`
	CustomersWithIndexOrder  int `json:"customers_with_delivered_index_order"`
	ExcludedNegativeFollowUp int `json:"excluded_index_after_snapshot"`

	PreFilterRows      int     `json:"prefilter_rows"`
	PreFilterEvents    int     `json:"prefilter_events"`
	PreFilterEventRate float64 `json:"prefilter_event_rate"`
	FilteredRows       int     `json:"filtered_rows"`
	FilteredEvents     int     `json:"filtered_events"`
	FilteredEventRate  float64 `json:"filtered_event_rate"`
}

// Writer émet les tables de cohorte et leurs métadonnées. Toutes les sorties
// sont d'abord écrites en fichiers temporaires puis renommées ensemble : une
// exécution écrit des sorties complètes et cohérentes, ou rien.
type Writer struct {
	log *zap.SugaredLogger
}

// NewWriter construit un Writer.
func NewWriter(log *zap.SugaredLogger) *Writer {
	return &Writer{log: log}
}

// WriteAll écrit les cinq sorties dans outDir. dataDir n'est utilisé que pour
// tracer la provenance dans les métadonnées.
func (w *Writer) WriteAll(outDir, dataDir string, res *cohort.Result, stats *dataset.Stats, cfg models.Config) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("création répertoire de sortie: %w", err)
	}

	meta := buildMetadata(dataDir, res, stats, cfg)

	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encodage métadonnées: %w", err)
	}

	staged := []struct {
		name string
		data []byte
	}{
		{CohortFile, cohortCSV(res.PreFilter)},
		{PublicCohortFile, publicCSV(res.PreFilter)},
		{AnalyticFile, cohortCSV(res.Filtered)},
		{MetadataFile, append(metaJSON, '\n')},
		{SummaryFile, []byte(summaryText(meta))},
	}

	var tmps []string
	cleanup := func() {
		for _, t := range tmps {
			os.Remove(t)
		}
	}
	for _, s := range staged {
		tmp := filepath.Join(outDir, s.name+".tmp")
		if err := os.WriteFile(tmp, s.data, 0o644); err != nil {
			cleanup()
			return fmt.Errorf("écriture %s: %w", tmp, err)
		}
		tmps = append(tmps, tmp)
	}
	// Renommages atomiques, même répertoire : la fenêtre d'échec partielle
	// se réduit aux erreurs de système de fichiers.
	for i, s := range staged {
		if err := os.Rename(tmps[i], filepath.Join(outDir, s.name)); err != nil {
			cleanup()
			return fmt.Errorf("commit %s: %w", s.name, err)
		}
	}

	for _, s := range staged {
		w.log.Infof("écrit: %s", filepath.Join(outDir, s.name))
	}
	return nil
}

func buildMetadata(dataDir string, res *cohort.Result, stats *dataset.Stats, cfg models.Config) Metadata {
	preEvents := countEvents(res.PreFilter)
	filtEvents := countEvents(res.Filtered)
	return Metadata{
		BuildID:          uuid.NewString(),
		BuiltAt:          time.Now().UTC().Format(time.RFC3339),
		SnapshotTS:       res.Snapshot.Format(models.TimestampLayout),
		MinFollowUpDays:  cfg.MinFollowUpDays,
		RepurchasePolicy: string(cfg.Policy),
		IndexOrderDefinition: "première commande livrée ; tri (date de livraison, date d'achat, order_id) ; " +
			"t0 = date de livraison",
		RepurchaseDefinition: "première commande qualifiante avec achat strictement après t0 et au plus au snapshot",
		Inputs: map[string]string{
			"data_dir":  dataDir,
			"orders":    dataset.OrdersFile,
			"customers": dataset.CustomersFile,
		},
		OrdersRead:               stats.OrdersRead,
		DuplicateOrdersDropped:   stats.DuplicateOrders,
		MalformedRowsDropped:     stats.MalformedTimestamps,
		UnknownStatusesDropped:   stats.UnknownStatuses,
		CustomersWithIndexOrder:  len(res.PreFilter) + res.ExcludedNegativeFollowUp,
		ExcludedNegativeFollowUp: res.ExcludedNegativeFollowUp,
		PreFilterRows:            len(res.PreFilter),
		PreFilterEvents:          preEvents,
		PreFilterEventRate:       eventRate(preEvents, len(res.PreFilter)),
		FilteredRows:             len(res.Filtered),
		FilteredEvents:           filtEvents,
		FilteredEventRate:        eventRate(filtEvents, len(res.Filtered)),
	}
}

// cohortCSV sérialise une cohorte avec toutes les colonnes. Une cohorte vide
// produit une table bien formée réduite à l'en-tête.
func cohortCSV(records []models.SurvivalRecord) []byte {
	var sb strings.Builder
	cw := csv.NewWriter(&sb)
	_ = cw.Write([]string{
		"customer_id", "index_order_id", "index_date",
		"event_observed", "repurchase_order_id", "repurchase_status", "repurchase_ts",
		"time_to_event_or_censoring", "follow_up_days",
	})
	for _, r := range records {
		repTS := ""
		if !r.RepurchaseDT.IsZero() {
			repTS = r.RepurchaseDT.Format(models.TimestampLayout)
		}
		_ = cw.Write([]string{
			r.CustomerID,
			r.IndexOrderID,
			r.IndexDate.Format(models.TimestampLayout),
			strconv.FormatBool(r.EventObserved),
			r.RepurchaseOrderID,
			r.RepurchaseStatus,
			repTS,
			formatDays(r.DurationDays),
			formatDays(r.FollowUpDays),
		})
	}
	cw.Flush()
	return []byte(sb.String())
}

// publicCSV sérialise la version publique assainie : identifiants omis,
// timestamps réduits à la granularité jour.
func publicCSV(records []models.SurvivalRecord) []byte {
	var sb strings.Builder
	cw := csv.NewWriter(&sb)
	_ = cw.Write([]string{
		"index_date", "event_observed", "time_to_event_or_censoring", "follow_up_days",
	})
	for _, r := range records {
		_ = cw.Write([]string{
			r.IndexDate.Format("2006-01-02"),
			strconv.FormatBool(r.EventObserved),
			formatDays(r.DurationDays),
			formatDays(r.FollowUpDays),
		})
	}
	cw.Flush()
	return []byte(sb.String())
}

func summaryText(m Metadata) string {
	lines := []string{
		"SURVIVAL COHORT BUILD SUMMARY",
		strings.Repeat("=", 50),
		"",
		fmt.Sprintf("Snapshot (censure administrative): %s", m.SnapshotTS),
		fmt.Sprintf("Clients avec commande index livrée: %d", m.CustomersWithIndexOrder),
		fmt.Sprintf("Cohorte pré-filtre (1 ligne par client): %d", m.PreFilterRows),
		fmt.Sprintf("Événements pré-filtre: %d (%.2f%%)", m.PreFilterEvents, m.PreFilterEventRate*100),
		fmt.Sprintf("Cohorte analytique (suivi ≥ %d j): %d", m.MinFollowUpDays, m.FilteredRows),
		fmt.Sprintf("Événements analytiques: %d (%.2f%%)", m.FilteredEvents, m.FilteredEventRate*100),
		fmt.Sprintf("Politique de rachat: %s", m.RepurchasePolicy),
		"",
		"Définition de la commande index:",
		"  " + m.IndexOrderDefinition,
		"",
		"Définition du rachat:",
		"  " + m.RepurchaseDefinition,
		"",
	}
	return strings.Join(lines, "\n")
}

func countEvents(records []models.SurvivalRecord) int {
	n := 0
	for _, r := range records {
		if r.EventObserved {
			n++
		}
	}
	return n
}

func eventRate(events, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(events) / float64(total)
}

// formatDays fixe la précision des durées à 6 décimales : stable d'une
// exécution à l'autre, les tables de sortie sont comparables octet à octet.
func formatDays(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

// StatusDistributionLines met en forme la répartition des statuts de rachat
// pour les logs, triée pour un affichage déterministe.
func StatusDistributionLines(dist map[string]int) []string {
	keys := make([]string, 0, len(dist))
	for k := range dist {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, fmt.Sprintf("%s=%d", k, dist[k]))
	}
	return out
}
