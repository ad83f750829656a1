// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/antflydb/weaver/pkg/weaver"
	"github.com/antflydb/weaver/pkg/weaver/lib/backends"
	"github.com/antflydb/weaver/pkg/weaver/lib/translate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the weaver server",
	Long:  `Start the weaver translation server with beam search decoding and attention introspection.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Server flags
	runCmd.Flags().String("listen", ":8953", "Address to listen on for API requests")
	runCmd.Flags().String("gpu", "", "GPU mode for inference sessions (auto, cuda, cpu)")

	// Decoding flags
	runCmd.Flags().Int("beam-size", 5, "Beam width for decoding")
	runCmd.Flags().Int("n-best", 5, "Number of ranked hypotheses to report per sequence")
	runCmd.Flags().Int("max-sent-length", 100, "Maximum decoded length before a hypothesis is cut off")
	runCmd.Flags().Float64("alpha", 0, "Google NMT length penalty strength")
	runCmd.Flags().Float64("beta", 0, "Coverage penalty strength")
	runCmd.Flags().Bool("replace-unk", false, "Replace <unk> outputs with the most-attended source token")
	runCmd.Flags().Int("precision", 5, "Decimal places kept when reporting states and attention")
	runCmd.Flags().String("dump-beam", "", "File to append full beam search traces to (JSON)")

	// Queue flags
	runCmd.Flags().Int("max-concurrent", 0, "Maximum concurrent decode requests (0 = unlimited)")
	runCmd.Flags().Int("max-queue", 0, "Maximum requests queued while all decode slots are busy")
	runCmd.Flags().Duration("request-timeout", 0, "Maximum time a request may wait for a decode slot")

	mustBindPFlag("listen", runCmd.Flags().Lookup("listen"))
	mustBindPFlag("gpu", runCmd.Flags().Lookup("gpu"))
	mustBindPFlag("beam_size", runCmd.Flags().Lookup("beam-size"))
	mustBindPFlag("n_best", runCmd.Flags().Lookup("n-best"))
	mustBindPFlag("max_sent_length", runCmd.Flags().Lookup("max-sent-length"))
	mustBindPFlag("alpha", runCmd.Flags().Lookup("alpha"))
	mustBindPFlag("beta", runCmd.Flags().Lookup("beta"))
	mustBindPFlag("replace_unk", runCmd.Flags().Lookup("replace-unk"))
	mustBindPFlag("precision", runCmd.Flags().Lookup("precision"))
	mustBindPFlag("dump_beam", runCmd.Flags().Lookup("dump-beam"))
	mustBindPFlag("max_concurrent", runCmd.Flags().Lookup("max-concurrent"))
	mustBindPFlag("max_queue", runCmd.Flags().Lookup("max-queue"))
	mustBindPFlag("request_timeout", runCmd.Flags().Lookup("request-timeout"))
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, err := newLogger(viper.GetString("log.level"), viper.GetString("log.style"))
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Running as weaver")

	opts := translate.Options{
		BeamSize:   viper.GetInt("beam_size"),
		NBest:      viper.GetInt("n_best"),
		MaxLength:  viper.GetInt("max_sent_length"),
		Alpha:      viper.GetFloat64("alpha"),
		Beta:       viper.GetFloat64("beta"),
		ReplaceUnk: viper.GetBool("replace_unk"),
		Precision:  viper.GetInt("precision"),
		DumpBeam:   viper.GetString("dump_beam"),
	}

	var sessOpts []backends.SessionOption
	if gpu := viper.GetString("gpu"); gpu != "" {
		sessOpts = append(sessOpts, backends.WithSessionGPUMode(backends.GPUMode(gpu)))
	}

	// modelsDir is set from --models-dir (defaults to ~/.weaver/models)
	registry, err := weaver.NewTranslatorRegistry(modelsDir, opts, logger, sessOpts...)
	if err != nil {
		return fmt.Errorf("initializing translator registry: %w", err)
	}
	defer func() {
		_ = registry.Close()
	}()

	server := weaver.NewServer(registry, weaver.ServerConfig{
		ListenAddr: viper.GetString("listen"),
		Queue: weaver.RequestQueueConfig{
			MaxConcurrentRequests: viper.GetInt("max_concurrent"),
			MaxQueueSize:          viper.GetInt("max_queue"),
			RequestTimeout:        viper.GetDuration("request_timeout"),
		},
		Logger: logger,
	})

	// Shut the listener down when the signal context fires.
	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Stop(shutdownCtx); err != nil {
			logger.Warn("Server shutdown", zap.Error(err))
		}
	}()

	if err := server.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", zap.Error(err))
		return err
	}
	return nil
}

// newLogger builds a zap logger from the configured level and style.
func newLogger(level, style string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}

	var cfg zap.Config
	if style == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
