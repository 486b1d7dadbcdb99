// Command darts-search runs a differentiable architecture search over the
// multi-task recommendation supernet on a synthetic dataset, and writes the
// best architecture found as JSON.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/darts/search"
	"github.com/gomlx/darts/searchdata"
	"github.com/gomlx/darts/supernet"
)

var flags = struct {
	// Dataset.
	rows      int
	batchSize int
	validFrac float64
	seed      int64

	// Supernet.
	embeddingDim  int
	bottomLayers  int
	bottomDim     int
	bottomWidths  []int
	numExperts    int
	chosenExperts int
	expertDim     int
	expertLayers  int
	expertWidths  []int
	numTasks      int
	dropout       float64

	// Search.
	epochs      int
	secondOrder bool
	curriculum  int
	auxSkip     bool
	dropPath    float64
	topK        int
	patience    int

	checkpointBase string
	forceFresh     bool
	outputDir      string
}{}

func main() {
	klog.InitFlags(nil)
	root := &cobra.Command{
		Use:   "darts-search",
		Short: "Differentiable architecture search for a multi-task recommender",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	f := root.Flags()
	f.IntVar(&flags.rows, "rows", 20000, "Synthetic dataset rows.")
	f.IntVar(&flags.batchSize, "batch_size", 256, "Batch size.")
	f.Float64Var(&flags.validFrac, "valid_fraction", 0.5, "Fraction of rows used for the validation split.")
	f.Int64Var(&flags.seed, "seed", 42, "Random seed for data and alpha initialization.")

	f.IntVar(&flags.embeddingDim, "embedding_dim", 16, "Embedding width per categorical feature.")
	f.IntVar(&flags.bottomLayers, "bottom_layers", 2, "Searchable bottom layers.")
	f.IntVar(&flags.bottomDim, "bottom_dim", 64, "Output width of every bottom layer candidate.")
	f.IntSliceVar(&flags.bottomWidths, "bottom_widths", []int{64, 128}, "Hidden widths of the MLP candidates per bottom layer.")
	f.IntVar(&flags.numExperts, "experts", 8, "Experts in the shared pool.")
	f.IntVar(&flags.chosenExperts, "chosen_experts", 2, "Experts each task selects.")
	f.IntVar(&flags.expertDim, "expert_dim", 64, "Output width of every expert layer candidate.")
	f.IntVar(&flags.expertLayers, "expert_layers", 2, "Searchable layers per expert.")
	f.IntSliceVar(&flags.expertWidths, "expert_widths", []int{64, 128}, "Hidden widths of the MLP candidates per expert layer.")
	f.IntVar(&flags.numTasks, "tasks", 2, "Prediction tasks.")
	f.Float64Var(&flags.dropout, "dropout", 0.1, "Dropout after the bottom stack.")

	f.IntVar(&flags.epochs, "epochs", 50, "Search epochs.")
	f.BoolVar(&flags.secondOrder, "second_order", false, "Use the unrolled (second-order) architecture gradient.")
	f.IntVar(&flags.curriculum, "curriculum_epoch", 5, "Epoch from which expert architecture weights train.")
	f.BoolVar(&flags.auxSkip, "aux_skip", true, "Add a decaying auxiliary skip to every operation mixture.")
	f.Float64Var(&flags.dropPath, "drop_path", 0.1, "Drop-path rate for operation candidates.")
	f.IntVar(&flags.topK, "top_k", 10, "Architectures to keep ranked by validation loss.")
	f.IntVar(&flags.patience, "patience", 10, "Early stopping patience in epochs, 0 disables.")

	f.StringVar(&flags.checkpointBase, "checkpoints", "~/checkpoints/darts", "Base directory for search checkpoints, empty disables.")
	f.BoolVar(&flags.forceFresh, "fresh", false, "Discard any previous checkpoint and search from scratch.")
	f.StringVar(&flags.outputDir, "output", ".", "Directory for final_architecture.json and top_k.json.")

	if err := root.Execute(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

// checkpointDir derives a directory name from the settings that shape the
// variables, so incompatible runs never load each other's checkpoints.
func checkpointDir() string {
	if flags.checkpointBase == "" {
		return ""
	}
	base := flags.checkpointBase
	if base[0] == '~' {
		home, err := os.UserHomeDir()
		if err == nil {
			base = filepath.Join(home, base[1:])
		}
	}
	name := fmt.Sprintf("synthetic_supernet_e%d_k%d_bl%d_el%d_aux%v_do%g",
		flags.numExperts, flags.chosenExperts, flags.bottomLayers, flags.expertLayers,
		flags.auxSkip, flags.dropout)
	return filepath.Join(base, name)
}

func run() error {
	backend := backends.MustNew()
	klog.Infof("backend: %s", backend.Name())

	groupWidths := []int{3, 4, 2, 3} // user, item, context, cross
	vocabSizes := []int{1000, 5000, 100, 500}

	validRows := int(float64(flags.rows) * flags.validFrac)
	trainDS := searchdata.NewSynthetic("synthetic-train", searchdata.SyntheticConfig{
		NumRows:     flags.rows - validRows,
		BatchSize:   flags.batchSize,
		GroupWidths: groupWidths,
		VocabSizes:  vocabSizes,
		NumTasks:    flags.numTasks,
		LabelNoise:  0.05,
		Seed:        flags.seed,
		Shuffle:     true,
	})
	validDS := searchdata.NewSynthetic("synthetic-valid", searchdata.SyntheticConfig{
		NumRows:     validRows,
		BatchSize:   flags.batchSize,
		GroupWidths: groupWidths,
		VocabSizes:  vocabSizes,
		NumTasks:    flags.numTasks,
		LabelNoise:  0.05,
		Seed:        flags.seed + 1,
		Shuffle:     true,
	})
	klog.Infof("data: %s train rows, %s valid rows",
		humanize.Comma(int64(trainDS.NumRows())), humanize.Comma(int64(validDS.NumRows())))

	model := supernet.New(supernet.Config{
		GroupWidths:        groupWidths,
		VocabSizes:         vocabSizes,
		EmbeddingDim:       flags.embeddingDim,
		BottomLayers:       flags.bottomLayers,
		BottomDim:          flags.bottomDim,
		BottomHiddenWidths: flags.bottomWidths,
		NumExperts:         flags.numExperts,
		ChosenExperts:      flags.chosenExperts,
		ExpertDim:          flags.expertDim,
		ExpertLayers:       flags.expertLayers,
		ExpertHiddenWidths: flags.expertWidths,
		NumTasks:           flags.numTasks,
		TowerHiddenDim:     32,
		Dropout:            flags.dropout,
	})

	ctx := context.New()
	trainer, err := search.NewTrainer(backend, ctx, model, trainDS, validDS, search.Config{
		Epochs:          flags.epochs,
		SecondOrder:     flags.secondOrder,
		CurriculumEpoch: flags.curriculum,
		AuxSkip:         flags.auxSkip,
		DropPath:        flags.dropPath,
		TopK:            flags.topK,
		Patience:        flags.patience,
		CheckpointDir:   checkpointDir(),
		ForceFresh:      flags.forceFresh,
		Seed:            flags.seed,
	})
	if err != nil {
		return err
	}
	defer trainer.Close()

	start := time.Now()
	if err := trainer.Fit(); err != nil {
		return err
	}
	klog.Infof("search finished in %s", time.Since(start).Round(time.Second))

	archPath := filepath.Join(flags.outputDir, "final_architecture.json")
	if err := trainer.WriteArchitecture(archPath); err != nil {
		return err
	}
	topKPath := filepath.Join(flags.outputDir, "top_k.json")
	if err := trainer.WriteTopK(topKPath); err != nil {
		return err
	}
	fmt.Printf("architecture written to %s (top-%d in %s)\n", archPath, flags.topK, topKPath)
	return nil
}
