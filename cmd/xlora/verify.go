package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/23skdu/longbow-xlora/internal/lora"
	"github.com/23skdu/longbow-xlora/internal/models"
	"github.com/23skdu/longbow-xlora/internal/xlora"
	"github.com/urfave/cli/v3"
)

func verifyCmd() *cli.Command {
	var (
		orderingPath string
		arch         string
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Check an adapter ordering against a model family",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "ordering",
				Aliases:     []string{"o"},
				Usage:       "adapter ordering JSON file",
				Destination: &orderingPath,
			},
			&cli.StringFlag{
				Name:        "arch",
				Usage:       "model family (defaults to the configured architecture)",
				Destination: &arch,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if orderingPath == "" {
				orderingPath = appConfig.OrderingPath
			}
			if orderingPath == "" {
				return errors.New("--ordering is required")
			}
			if arch == "" {
				arch = appConfig.GetArchitecture()
			}

			family, err := models.Lookup(arch)
			if err != nil {
				return err
			}
			ordering, err := lora.LoadOrdering(orderingPath)
			if err != nil {
				return err
			}
			if err := xlora.VerifySanityAdapters(ordering, family.SupportedLayers); err != nil {
				return err
			}

			fmt.Printf("ordering ok: family=%s adapters=%d layers=%d paths=%d\n",
				family.Name, ordering.NumAdapters(), ordering.NumLayers(), len(ordering.Paths()))
			return nil
		},
	}
}

func familiesCmd() *cli.Command {
	return &cli.Command{
		Name:  "families",
		Usage: "List supported model families",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			for _, name := range models.Families() {
				f, err := models.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Printf("%-16s dtype=%-5s layers=%v\n", f.Name, f.DefaultDType, f.SupportedLayers)
			}
			return nil
		},
	}
}
