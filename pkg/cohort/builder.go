package cohort

import (
	"fmt"
	"sort"
	"time"

	"cohort-survival/pkg/models"

	"go.uber.org/zap"
)

// Result contient les deux cohortes produites par une exécution, plus les
// diagnostics rapportés par l'étude.
type Result struct {
	Snapshot  time.Time
	PreFilter []models.SurvivalRecord // cohorte complète, filtre de suivi non appliqué
	Filtered  []models.SurvivalRecord // cohorte analytique : FollowUpDays ≥ seuil

	// ExcludedNegativeFollowUp compte les clients dont la date index tombe
	// après le snapshot, exclus comme incohérents.
	ExcludedNegativeFollowUp int
	// EventsWithin24h : événements à moins de 24h de t0 (contrôle qualité).
	EventsWithin24h int
	// StatusDistribution : répartition des statuts des commandes de rachat
	// parmi les événements observés.
	StatusDistribution map[string]int
}

// Run enchaîne les trois étapes de la construction : index, étiquetage,
// filtre de suivi. La transformation est un batch pur et déterministe :
// mêmes entrées et même snapshot → mêmes sorties, octet pour octet.
func Run(orders []models.RawOrder, cfg models.Config, log *zap.SugaredLogger) (*Result, error) {
	if err := cfg.Policy.Valid(); err != nil {
		return nil, err
	}
	if cfg.Snapshot.IsZero() {
		return nil, fmt.Errorf("snapshot non résolu")
	}
	if cfg.MinFollowUpDays < 0 {
		return nil, fmt.Errorf("seuil de suivi négatif: %d", cfg.MinFollowUpDays)
	}

	index := BuildIndex(orders)
	if cfg.Verbose {
		log.Infof("clients avec commande index livrée: %d", len(index))
	}

	res := LabelEvents(orders, index, cfg.Snapshot, cfg.Policy)
	res.Filtered = ApplyFollowUpFilter(res.PreFilter, cfg.MinFollowUpDays)

	if cfg.Verbose {
		events := 0
		for _, r := range res.PreFilter {
			if r.EventObserved {
				events++
			}
		}
		log.Infof("cohorte pré-filtre: %d lignes, %d événements (%.2f%%)",
			len(res.PreFilter), events, rate(events, len(res.PreFilter))*100)
		log.Infof("cohorte analytique (suivi ≥ %d j): %d lignes", cfg.MinFollowUpDays, len(res.Filtered))
		log.Infof("rachats à moins de 24h de t0 (diagnostic): %d", res.EventsWithin24h)
		if res.ExcludedNegativeFollowUp > 0 {
			log.Infof("clients exclus (index après snapshot): %d", res.ExcludedNegativeFollowUp)
		}
	}
	if len(res.PreFilter) == 0 {
		log.Warnf("cohorte vide: les tables de sortie seront bien formées mais sans lignes")
	}
	return res, nil
}

// BuildIndex sélectionne, pour chaque client, sa commande index : la première
// commande livrée. Tri par (date de livraison, date d'achat, order_id) pour
// des égalités déterministes ; les clients sans commande livrée sont exclus.
func BuildIndex(orders []models.RawOrder) []models.CustomerIndex {
	candidates := make([]models.RawOrder, 0, len(orders))
	for _, o := range orders {
		if o.Delivered() && !o.PurchaseDT.IsZero() {
			candidates = append(candidates, o)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.CustomerID != b.CustomerID {
			return a.CustomerID < b.CustomerID
		}
		if !a.DeliveryDT.Equal(b.DeliveryDT) {
			return a.DeliveryDT.Before(b.DeliveryDT)
		}
		if !a.PurchaseDT.Equal(b.PurchaseDT) {
			return a.PurchaseDT.Before(b.PurchaseDT)
		}
		return a.OrderID < b.OrderID
	})

	var index []models.CustomerIndex
	for _, o := range candidates {
		if n := len(index); n > 0 && index[n-1].CustomerID == o.CustomerID {
			continue // première commande livrée déjà retenue
		}
		index = append(index, models.CustomerIndex{
			CustomerID:   o.CustomerID,
			IndexOrderID: o.OrderID,
			PurchaseDT:   o.PurchaseDT,
			IndexDate:    o.DeliveryDT,
		})
	}
	return index
}

// LabelEvents calcule l'issue de survie de chaque client indexé. Un rachat
// qualifiant est la première commande dont l'achat est STRICTEMENT postérieur
// à t0 (prévention de fuite temporelle) et antérieur ou égal au snapshot, et
// dont le statut satisfait la politique. Sans rachat, le client est censuré
// au snapshot. Les clients avec t0 après le snapshot sont exclus.
func LabelEvents(orders []models.RawOrder, index []models.CustomerIndex, snapshot time.Time, policy models.RepurchasePolicy) *Result {
	t0ByCustomer := make(map[string]time.Time, len(index))
	for _, ix := range index {
		t0ByCustomer[ix.CustomerID] = ix.IndexDate
	}

	// Première commande qualifiante par client, égalités départagées par
	// (date d'achat, order_id).
	firstRep := make(map[string]models.RawOrder)
	for _, o := range orders {
		t0, ok := t0ByCustomer[o.CustomerID]
		if !ok || o.PurchaseDT.IsZero() {
			continue
		}
		if !o.PurchaseDT.After(t0) || o.PurchaseDT.After(snapshot) {
			continue
		}
		if !policy.Qualifies(o) {
			continue
		}
		cur, ok := firstRep[o.CustomerID]
		if !ok || earlierRepurchase(o, cur) {
			firstRep[o.CustomerID] = o
		}
	}

	res := &Result{
		Snapshot:           snapshot,
		PreFilter:          make([]models.SurvivalRecord, 0, len(index)),
		StatusDistribution: make(map[string]int),
	}
	for _, ix := range index {
		followUp := daysBetween(ix.IndexDate, snapshot)
		if followUp < 0 {
			res.ExcludedNegativeFollowUp++
			continue
		}
		rec := models.SurvivalRecord{
			CustomerID:   ix.CustomerID,
			IndexOrderID: ix.IndexOrderID,
			IndexDate:    ix.IndexDate,
			FollowUpDays: followUp,
			DurationDays: followUp, // censuré par défaut
		}
		if rep, ok := firstRep[ix.CustomerID]; ok {
			rec.EventObserved = true
			rec.RepurchaseOrderID = rep.OrderID
			rec.RepurchaseStatus = rep.Status
			rec.RepurchaseDT = rep.PurchaseDT
			rec.DurationDays = daysBetween(ix.IndexDate, rep.PurchaseDT)
			res.StatusDistribution[rep.Status]++
			if rec.DurationDays <= 1.0 {
				res.EventsWithin24h++
			}
		}
		res.PreFilter = append(res.PreFilter, rec)
	}
	return res
}

// ApplyFollowUpFilter retient les lignes dont le suivi atteint le seuil.
// Filtre pur : aucune mutation des champs, ordre préservé.
func ApplyFollowUpFilter(records []models.SurvivalRecord, minFollowUpDays int) []models.SurvivalRecord {
	out := make([]models.SurvivalRecord, 0, len(records))
	for _, r := range records {
		if r.FollowUpDays >= float64(minFollowUpDays) {
			out = append(out, r)
		}
	}
	return out
}

func earlierRepurchase(a, b models.RawOrder) bool {
	if !a.PurchaseDT.Equal(b.PurchaseDT) {
		return a.PurchaseDT.Before(b.PurchaseDT)
	}
	return a.OrderID < b.OrderID
}

// daysBetween retourne b−a en jours fractionnaires.
func daysBetween(a, b time.Time) float64 {
	return b.Sub(a).Seconds() / 86400.0
}

func rate(events, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(events) / float64(total)
}
