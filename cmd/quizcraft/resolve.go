package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/quizcraft/quizcraft/pkg/config"
	"github.com/quizcraft/quizcraft/pkg/models"
	"github.com/quizcraft/quizcraft/pkg/resolver"
)

// requestFlags are shared by every command that names a logical request.
type requestFlags struct {
	systemFile string
	paramsFile string
	model      string
	priority   []int
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.systemFile, "system-file", "", "file with fixed instructions sent as the system text")
	cmd.Flags().StringVar(&f.paramsFile, "params", "", "YAML file with generation params")
	cmd.Flags().StringVar(&f.model, "model", "", "model override (default from config)")
	cmd.Flags().IntSliceVar(&f.priority, "priority", nil, "paragraph indexes from most to least relevant")
}

// params reads the params file, if any, and fills the model.
func (f *requestFlags) params(cfg *config.Config) (models.Params, error) {
	var p models.Params
	if f.paramsFile != "" {
		data, err := os.ReadFile(f.paramsFile)
		if err != nil {
			return p, fmt.Errorf("read params: %w", err)
		}
		if err := yaml.Unmarshal(data, &p); err != nil {
			return p, fmt.Errorf("parse params: %w", err)
		}
	}
	if f.model != "" {
		p.Model = f.model
	}
	if p.Model == "" {
		p.Model = cfg.Remote.Model
	}
	return p, nil
}

func (f *requestFlags) system() (string, error) {
	if f.systemFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(f.systemFile)
	if err != nil {
		return "", fmt.Errorf("read system text: %w", err)
	}
	return string(data), nil
}

func (f *requestFlags) options() []resolver.Option {
	if len(f.priority) == 0 {
		return nil
	}
	return []resolver.Option{resolver.WithPriority(f.priority)}
}

func readPayload(path, system string) (models.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Payload{}, fmt.Errorf("read document: %w", err)
	}
	return models.Payload{System: system, Text: string(data)}, nil
}

// result is the JSON printed for each resolved document.
type result struct {
	File       string             `json:"file,omitempty"`
	Cached     bool               `json:"cached"`
	Completion *models.Completion `json:"completion,omitempty"`
	Error      string             `json:"error,omitempty"`
}

func newResult(file string, comp *models.Completion, err error) result {
	r := result{File: file, Completion: comp}
	if comp != nil {
		r.Cached = comp.FromCache
	}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newResolveCmd(configPath *string) *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "resolve FILE",
		Short: "Resolve one document into a structured completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(*configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()
			a.withResolver()

			system, err := flags.system()
			if err != nil {
				return err
			}
			params, err := flags.params(a.cfg)
			if err != nil {
				return err
			}
			payload, err := readPayload(args[0], system)
			if err != nil {
				return err
			}

			comp, err := a.resolver.Resolve(cmd.Context(), payload, params, flags.options()...)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", args[0], err)
			}
			return writeJSON(cmd.OutOrStdout(), newResult(args[0], comp, nil))
		},
	}
	flags.register(cmd)
	return cmd
}
