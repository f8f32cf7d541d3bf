package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/thingserver/internal/examplething"
)

type actionListing struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Retention   string `yaml:"retention,omitempty"`
	Waits       string `yaml:"response_timeout,omitempty"`
}

type thingListing struct {
	Type        string          `yaml:"type"`
	Description string          `yaml:"description,omitempty"`
	Actions     []actionListing `yaml:"actions"`
}

func actionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "actions",
		Short: "List built-in Thing types and their actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(builtinListing())
			if err != nil {
				return fmt.Errorf("encode listing: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func builtinListing() []thingListing {
	examplething.RegisterBuiltins()

	var out []thingListing
	for _, f := range examplething.Factories() {
		tl := thingListing{Type: f.Type, Description: f.Description}
		for _, def := range f.New("").Actions() {
			al := actionListing{Name: def.Name, Description: def.Description}
			if def.RetentionTime != 0 {
				al.Retention = def.RetentionTime.String()
			}
			if def.ResponseTimeout < 0 {
				al.Waits = "never"
			} else if def.ResponseTimeout > 0 {
				al.Waits = def.ResponseTimeout.String()
			}
			tl.Actions = append(tl.Actions, al)
		}
		out = append(out, tl)
	}
	return out
}
