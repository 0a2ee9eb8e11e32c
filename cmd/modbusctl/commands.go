package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nexus-edge/modbus-gateway/internal/adapter/config"
	"github.com/nexus-edge/modbus-gateway/internal/domain"
)

func newReadCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "read [tag...]",
		Short: "Read tags once (all tags when none are named)",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := a.selectClient()
			if err != nil {
				return err
			}
			factory, err := a.newFactory(name)
			if err != nil {
				return err
			}
			defer factory.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()

			var points []*domain.DataPoint
			var readErr error
			if len(args) == 0 {
				points, readErr = factory.ReadTags(ctx, name)
			} else {
				for _, tag := range args {
					dp, err := factory.ReadTag(ctx, name, tag)
					if dp == nil {
						return err
					}
					points = append(points, dp)
					if err != nil && readErr == nil {
						readErr = err
					}
				}
			}

			if asJSON {
				enc := json.NewEncoder(a.out)
				for _, dp := range points {
					if err := enc.Encode(dp); err != nil {
						return err
					}
				}
			} else {
				printPoints(a, points)
			}
			return readErr
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON data point per line")
	return cmd
}

func printPoints(a *app, points []*domain.DataPoint) {
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, dp := range points {
		if dp.Quality == domain.QualityGood {
			fmt.Fprintf(w, "%s\t%v\t%s\t%s\n", dp.Tag, dp.Value, dp.Unit, dp.Quality)
		} else {
			fmt.Fprintf(w, "%s\t-\t%s\t%s: %s\n", dp.Tag, dp.Unit, dp.Quality, dp.Error)
		}
	}
	_ = w.Flush()
}

func newWriteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "write <tag> <value>",
		Short: "Write one tag in engineering units",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := a.selectClient()
			if err != nil {
				return err
			}
			factory, err := a.newFactory(name)
			if err != nil {
				return err
			}
			defer factory.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.timeout)
			defer cancel()

			tag, value := args[0], parseValue(args[1])
			if err := factory.WriteTag(ctx, name, tag, value); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s = %v\n", tag, value)
			return nil
		},
	}
}

// parseValue keeps integers exact, then tries floats and leaves anything
// else (true, off, ...) for the tag layer to interpret.
func parseValue(s string) interface{} {
	if i, err := strconv.ParseInt(s, 0, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return strings.ToLower(s)
}

func newTagsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tags",
		Short: "List the tag map of a client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := a.selectClient()
			if err != nil {
				return err
			}
			cc, _ := a.cfg.Client(name)
			tags, err := config.LoadTags(cc.TagsPath)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(tags))
			for n := range tags {
				names = append(names, n)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TAG\tTYPE\tADDRESS\tDATATYPE\tSCALE\tOFFSET\tUNIT\tACCESS")
			for _, n := range names {
				t := tags[n]
				access := "ro"
				if t.IsWritable() {
					access = "rw"
				}
				dataType := t.DataType.String()
				if t.Type.IsBit() {
					dataType = "bool"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%g\t%g\t%s\t%s\n",
					n, t.Type, t.Address, dataType, t.EffectiveScale(), t.Offset, t.Unit, access)
			}
			return w.Flush()
		},
	}
}
