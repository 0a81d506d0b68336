package models

import (
	"fmt"
	"time"
)

// TimestampLayout est le format DATETIME utilisé partout dans les CSV Olist.
const TimestampLayout = "2006-01-02 15:04:05"

// Statuts de commande connus dans le jeu de données.
const (
	StatusDelivered   = "delivered"
	StatusCanceled    = "canceled"
	StatusUnavailable = "unavailable"
	StatusShipped     = "shipped"
	StatusInvoiced    = "invoiced"
	StatusProcessing  = "processing"
	StatusCreated     = "created"
	StatusApproved    = "approved"
)

// KnownStatuses liste les statuts acceptés au chargement ; toute autre valeur
// est comptée comme ligne malformée et exclue.
var KnownStatuses = map[string]bool{
	StatusDelivered:   true,
	StatusCanceled:    true,
	StatusUnavailable: true,
	StatusShipped:     true,
	StatusInvoiced:    true,
	StatusProcessing:  true,
	StatusCreated:     true,
	StatusApproved:    true,
}

/*
LOAD → types simples pour charger les commandes brutes depuis les CSV Olist.
*/

// RawOrder représente une commande brute telle qu'elle est lue depuis le CSV
// des commandes, après jointure avec l'identifiant client stable
// (customer_unique_id).
type RawOrder struct {
	OrderID    string
	CustomerID string // customer_unique_id : identité longitudinale du client
	Status     string
	PurchaseDT time.Time
	DeliveryDT time.Time // zéro si la commande n'a jamais été livrée
}

// Delivered indique si la commande compte comme livrée : statut "delivered"
// ET timestamp de livraison présent. Un statut "delivered" sans timestamp est
// traité comme non livré (ligne conservée, simplement non candidate).
func (o RawOrder) Delivered() bool {
	return o.Status == StatusDelivered && !o.DeliveryDT.IsZero()
}

// CustomerIndex représente un client avec sa commande index : la première
// commande livrée, qui ancre la fenêtre d'observation (t0 = date de livraison).
type CustomerIndex struct {
	CustomerID   string
	IndexOrderID string
	PurchaseDT   time.Time // p0
	IndexDate    time.Time // t0
}

/*
COMPUTE → structure de résultat exportée par client
*/

// SurvivalRecord contient l'issue de survie calculée pour un client indexé :
// soit un événement de rachat observé avant le snapshot, soit une censure
// administrative au snapshot.
type SurvivalRecord struct {
	CustomerID        string
	IndexOrderID      string
	IndexDate         time.Time // t0
	EventObserved     bool
	RepurchaseOrderID string    // vide si censuré
	RepurchaseStatus  string    // vide si censuré
	RepurchaseDT      time.Time // p1, zéro si censuré
	DurationDays      float64   // t0→p1 si événement, sinon = FollowUpDays
	FollowUpDays      float64   // snapshot − t0, en jours fractionnaires
}

/*
CONFIG → paramètres globaux
*/

// RepurchasePolicy nomme explicitement la règle de qualification d'un rachat.
// Le choix influe directement sur le taux d'événements rapporté, il est donc
// un paramètre nommé et tracé dans les métadonnées, jamais une règle implicite.
type RepurchasePolicy string

const (
	// PolicyDeliveredOnly : seules les commandes ultérieures effectivement
	// livrées comptent comme rachat (symétrique avec la définition de l'ancre).
	PolicyDeliveredOnly RepurchasePolicy = "delivered-only"
	// PolicyExcludeCanceled : toute commande ultérieure compte, sauf les
	// statuts canceled/unavailable (définition de l'étude d'origine).
	PolicyExcludeCanceled RepurchasePolicy = "exclude-canceled"
)

// Valid retourne une erreur si la politique n'est pas connue.
func (p RepurchasePolicy) Valid() error {
	switch p {
	case PolicyDeliveredOnly, PolicyExcludeCanceled:
		return nil
	}
	return fmt.Errorf("politique de rachat inconnue: %q (attendu %q ou %q)",
		string(p), PolicyDeliveredOnly, PolicyExcludeCanceled)
}

// Qualifies indique si une commande ultérieure compte comme rachat sous
// cette politique.
func (p RepurchasePolicy) Qualifies(o RawOrder) bool {
	switch p {
	case PolicyExcludeCanceled:
		return o.Status != StatusCanceled && o.Status != StatusUnavailable
	default: // PolicyDeliveredOnly
		return o.Delivered()
	}
}

// Config contient les paramètres de configuration passés au constructeur de
// cohorte.
type Config struct {
	Snapshot        time.Time        // borne de censure administrative – en UTC
	MinFollowUpDays int              // seuil du filtre de suivi minimal (défaut 180)
	Policy          RepurchasePolicy // règle de qualification du rachat
	Verbose         bool             // Flag pour activer les logs détaillés.
}
