package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"cohort-survival/pkg/models"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

/*
CONFIG → résolution des paramètres : défauts → fichier YAML → variables
d'environnement → drapeaux CLI (appliqués par main).
*/

// Config regroupe tous les réglages de la construction de cohorte.
type Config struct {
	DataDir         string `yaml:"dataDir" env:"OLIST_RAW_DIR"`
	OutDir          string `yaml:"outDir" env:"COHORT_OUT_DIR"`
	Snapshot        string `yaml:"snapshot" env:"COHORT_SNAPSHOT"` // "2006-01-02 15:04:05" ; vide = dérivé des données brutes
	MinFollowUpDays int    `yaml:"minFollowUpDays" env:"COHORT_MIN_FOLLOW_UP_DAYS"`
	Policy          string `yaml:"repurchasePolicy" env:"COHORT_REPURCHASE_POLICY"`
	Quiet           bool   `yaml:"quiet" env:"COHORT_QUIET"`
}

// Default retourne la configuration par défaut.
func Default() Config {
	return Config{
		DataDir:         "raw_data",
		OutDir:          "outputs",
		MinFollowUpDays: 180,
		Policy:          string(models.PolicyDeliveredOnly),
	}
}

// Load initialise la configuration depuis un fichier YAML optionnel puis
// applique les variables d'environnement.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("fichier de configuration introuvable: %s", path)
			}
			return nil, fmt.Errorf("lecture configuration: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse configuration: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("variables d'environnement: %w", err)
	}
	return &cfg, nil
}

// Validate vérifie la cohérence des réglages avant toute lecture de données.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir vide")
	}
	if c.OutDir == "" {
		return fmt.Errorf("outDir vide")
	}
	if c.MinFollowUpDays < 0 {
		return fmt.Errorf("minFollowUpDays négatif: %d", c.MinFollowUpDays)
	}
	if err := models.RepurchasePolicy(c.Policy).Valid(); err != nil {
		return err
	}
	if _, err := c.SnapshotTime(); err != nil {
		return err
	}
	return nil
}

// SnapshotTime parse le snapshot configuré. Un snapshot vide retourne le
// temps zéro : la date sera alors dérivée du max des timestamps d'achat bruts.
func (c *Config) SnapshotTime() (time.Time, error) {
	if c.Snapshot == "" {
		return time.Time{}, nil
	}
	ts, err := time.ParseInLocation(models.TimestampLayout, c.Snapshot, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot invalide %q (format attendu %q)", c.Snapshot, models.TimestampLayout)
	}
	return ts, nil
}

// BuilderConfig traduit les réglages résolus en paramètres du constructeur.
// Le snapshot effectif est fourni par l'appelant (configuré ou dérivé).
func (c *Config) BuilderConfig(snapshot time.Time) models.Config {
	return models.Config{
		Snapshot:        snapshot,
		MinFollowUpDays: c.MinFollowUpDays,
		Policy:          models.RepurchasePolicy(c.Policy),
		Verbose:         !c.Quiet,
	}
}
