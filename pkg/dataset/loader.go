package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cohort-survival/pkg/models"

	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Noms des fichiers attendus dans le répertoire de données brutes.
const (
	OrdersFile    = "olist_orders_dataset.csv"
	CustomersFile = "olist_customers_dataset.csv"
)

// Stats compte la qualité des lignes rencontrées au chargement. Les lignes
// écartées le sont localement : une ligne malformée n'interrompt jamais la
// construction de la cohorte.
type Stats struct {
	OrdersRead            int // lignes de données lues dans le CSV des commandes
	CustomersRead         int
	DuplicateOrders       int // order_id déjà vu → première occurrence conservée
	MalformedTimestamps   int // timestamp d'achat ou de livraison imparsable
	UnknownStatuses       int // statut hors du vocabulaire connu
	OrdersWithoutCustomer int // customer_id absent du CSV clients
	DeliveredNoTimestamp  int // statut "delivered" sans date de livraison (diagnostic)

	// MaxPurchaseDT est le max des timestamps d'achat parsables sur la table
	// BRUTE, avant toute exclusion : c'est la borne de censure administrative
	// quand aucun snapshot n'est configuré.
	MaxPurchaseDT time.Time
}

// Loader lit les CSV bruts et retourne des commandes typées, jointes à
// l'identifiant client stable.
type Loader struct {
	log          *zap.SugaredLogger
	showProgress bool
}

// NewLoader construit un Loader. showProgress contrôle la barre de
// progression sur la lecture des commandes (désactivée en mode quiet et en test).
func NewLoader(log *zap.SugaredLogger, showProgress bool) *Loader {
	return &Loader{log: log, showProgress: showProgress}
}

// Load charge les commandes depuis dataDir. Les descripteurs de fichier sont
// limités à la phase de chargement : ouverts, lus, refermés avant tout calcul.
func (l *Loader) Load(dataDir string) ([]models.RawOrder, *Stats, error) {
	ordersPath := filepath.Join(dataDir, OrdersFile)
	customersPath := filepath.Join(dataDir, CustomersFile)

	var missing []string
	for _, p := range []string{ordersPath, customersPath} {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return nil, nil, fmt.Errorf("fichier(s) d'entrée introuvable(s): %s", strings.Join(missing, ", "))
	}

	stats := &Stats{}

	uniqueByCustomer, err := l.loadCustomers(customersPath, stats)
	if err != nil {
		return nil, nil, err
	}
	orders, err := l.loadOrders(ordersPath, uniqueByCustomer, stats)
	if err != nil {
		return nil, nil, err
	}

	l.log.Infof("chargement terminé: orders=%d customers=%d dup=%d malformed_ts=%d unknown_status=%d sans_client=%d",
		stats.OrdersRead, stats.CustomersRead, stats.DuplicateOrders,
		stats.MalformedTimestamps, stats.UnknownStatuses, stats.OrdersWithoutCustomer)
	return orders, stats, nil
}

// loadCustomers retourne la table customer_id → customer_unique_id.
func (l *Loader) loadCustomers(path string, stats *Stats) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ouverture %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("en-tête %s: %w", path, err)
	}
	idCol, err := columnIndex(header, "customer_id")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	uidCol, err := columnIndex(header, "customer_unique_id")
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	out := make(map[string]string)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lecture %s: %w", path, err)
		}
		stats.CustomersRead++
		out[strings.TrimSpace(rec[idCol])] = strings.TrimSpace(rec[uidCol])
	}
	return out, nil
}

// loadOrders lit le CSV des commandes ligne à ligne, avec exclusion locale
// des lignes malformées et déduplication déterministe par order_id
// (première occurrence conservée).
func (l *Loader) loadOrders(path string, uniqueByCustomer map[string]string, stats *Stats) ([]models.RawOrder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ouverture %s: %w", path, err)
	}
	defer f.Close()

	var reader io.Reader = f
	if l.showProgress {
		if fi, err := f.Stat(); err == nil {
			bar := progressbar.DefaultBytes(fi.Size(), "orders")
			reader = io.TeeReader(f, bar)
		}
	}

	r := csv.NewReader(reader)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("en-tête %s: %w", path, err)
	}
	cols := struct{ orderID, customerID, status, purchase, delivery int }{}
	for _, c := range []struct {
		name string
		dst  *int
	}{
		{"order_id", &cols.orderID},
		{"customer_id", &cols.customerID},
		{"order_status", &cols.status},
		{"order_purchase_timestamp", &cols.purchase},
		{"order_delivered_customer_date", &cols.delivery},
	} {
		idx, err := columnIndex(header, c.name)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		*c.dst = idx
	}

	var orders []models.RawOrder
	seen := make(map[string]bool)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("lecture %s: %w", path, err)
		}
		stats.OrdersRead++

		orderID := strings.TrimSpace(rec[cols.orderID])
		customerID := strings.TrimSpace(rec[cols.customerID])
		status := strings.ToLower(strings.TrimSpace(rec[cols.status]))

		purchase, err := parseTimestamp(rec[cols.purchase])
		if err != nil {
			stats.MalformedTimestamps++
			l.log.Debugf("purchase timestamp imparsable order=%s raw=%q", orderID, rec[cols.purchase])
			continue
		}
		// Snapshot dérivé : max des achats BRUTS, avant toute exclusion.
		if purchase.After(stats.MaxPurchaseDT) {
			stats.MaxPurchaseDT = purchase
		}

		var delivery time.Time
		if raw := strings.TrimSpace(rec[cols.delivery]); raw != "" {
			delivery, err = parseTimestamp(raw)
			if err != nil {
				stats.MalformedTimestamps++
				l.log.Debugf("delivery timestamp imparsable order=%s raw=%q", orderID, raw)
				continue
			}
		}

		if !models.KnownStatuses[status] {
			stats.UnknownStatuses++
			l.log.Debugf("statut inconnu order=%s status=%q", orderID, status)
			continue
		}
		if status == models.StatusDelivered && delivery.IsZero() {
			stats.DeliveredNoTimestamp++
		}

		if seen[orderID] {
			stats.DuplicateOrders++
			l.log.Debugf("order_id dupliqué: %s (première occurrence conservée)", orderID)
			continue
		}
		seen[orderID] = true

		uid, ok := uniqueByCustomer[customerID]
		if !ok {
			stats.OrdersWithoutCustomer++
			continue
		}

		orders = append(orders, models.RawOrder{
			OrderID:    orderID,
			CustomerID: uid,
			Status:     status,
			PurchaseDT: purchase,
			DeliveryDT: delivery,
		})
	}
	return orders, nil
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp vide")
	}
	return time.ParseInLocation(models.TimestampLayout, s, time.UTC)
}

func columnIndex(header []string, name string) (int, error) {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("colonne manquante %q", name)
}
