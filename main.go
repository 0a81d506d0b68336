package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cohort-survival/pkg/cohort"
	"cohort-survival/pkg/config"
	"cohort-survival/pkg/dataset"
	"cohort-survival/pkg/models"
	"cohort-survival/pkg/report"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var flags struct {
	configPath      string
	dataDir         string
	outDir          string
	snapshot        string
	minFollowUpDays int
	policy          string
	quiet           bool
}

// rootCmd construit la cohorte de survie : commande unique, sortie 0 en cas
// de succès (cohorte vide comprise), non nulle sur entrée illisible.
var rootCmd = &cobra.Command{
	Use:   "cohort-survival",
	Short: "Construit la cohorte de survie rachat-client depuis les CSV Olist",
	Long: `Construit une cohorte d'analyse de survie à partir des commandes brutes :
ancre chaque client à sa première commande livrée (t0), étiquette le premier
rachat qualifiant avant le snapshot administratif, censure les autres au
snapshot, puis applique le filtre de suivi minimal.

Sorties : cohorte pré-filtre et version publique assainie, cohorte analytique,
métadonnées JSON et résumé lisible.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().StringVar(&flags.configPath, "config", "", "Fichier de configuration YAML optionnel")
	rootCmd.Flags().StringVar(&flags.dataDir, "data-dir", "", "Répertoire des CSV bruts (défaut: $OLIST_RAW_DIR ou raw_data/)")
	rootCmd.Flags().StringVar(&flags.outDir, "out-dir", "", "Répertoire de sortie (défaut: outputs/)")
	rootCmd.Flags().StringVar(&flags.snapshot, "snapshot", "", `Snapshot administratif "2006-01-02 15:04:05" (défaut: dérivé des données)`)
	rootCmd.Flags().IntVar(&flags.minFollowUpDays, "min-follow-up-days", 0, "Seuil du filtre de suivi minimal en jours (défaut: 180)")
	rootCmd.Flags().StringVar(&flags.policy, "policy", "", "Politique de rachat: delivered-only ou exclude-canceled")
	rootCmd.Flags().BoolVar(&flags.quiet, "quiet", false, "Supprime la barre de progression et les logs d'information")
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := newLogger(cfg.Quiet)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	sugar := log.Sugar()
	start := time.Now()

	loader := dataset.NewLoader(sugar, !cfg.Quiet)
	orders, stats, err := loader.Load(cfg.DataDir)
	if err != nil {
		return err
	}

	snapshot, err := cfg.SnapshotTime()
	if err != nil {
		return err
	}
	if snapshot.IsZero() {
		// Snapshot dérivé des commandes BRUTES, avant tout filtrage.
		if stats.MaxPurchaseDT.IsZero() {
			return fmt.Errorf("aucun timestamp d'achat exploitable: snapshot impossible à dériver")
		}
		snapshot = stats.MaxPurchaseDT
	}
	sugar.Infof("snapshot administratif: %s", snapshot.Format(models.TimestampLayout))

	res, err := cohort.Run(orders, cfg.BuilderConfig(snapshot), sugar)
	if err != nil {
		return err
	}
	if len(res.StatusDistribution) > 0 {
		sugar.Infof("statuts de rachat (événements): %s",
			strings.Join(report.StatusDistributionLines(res.StatusDistribution), " "))
	}

	writer := report.NewWriter(sugar)
	if err := writer.WriteAll(cfg.OutDir, cfg.DataDir, res, stats, cfg.BuilderConfig(snapshot)); err != nil {
		return err
	}

	sugar.Infof("terminé en %v", time.Since(start).Round(time.Millisecond))
	return nil
}

// applyFlagOverrides applique les drapeaux explicitement fournis par-dessus
// fichier et environnement (précédence: drapeaux > env > YAML > défauts).
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = flags.dataDir
	}
	if cmd.Flags().Changed("out-dir") {
		cfg.OutDir = flags.outDir
	}
	if cmd.Flags().Changed("snapshot") {
		cfg.Snapshot = flags.snapshot
	}
	if cmd.Flags().Changed("min-follow-up-days") {
		cfg.MinFollowUpDays = flags.minFollowUpDays
	}
	if cmd.Flags().Changed("policy") {
		cfg.Policy = flags.policy
	}
	if cmd.Flags().Changed("quiet") {
		cfg.Quiet = flags.quiet
	}
}

func newLogger(quiet bool) (*zap.Logger, error) {
	zcfg := zap.NewDevelopmentConfig()
	zcfg.DisableStacktrace = true
	if quiet {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	}
	return zcfg.Build()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
