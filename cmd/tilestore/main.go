// Command tilestore inspects and maintains array directories.
package main

import (
	"fmt"
	"log"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v2"

	"github.com/jpl-au/tilestore"
	"github.com/jpl-au/tilestore/internal/vfs"
)

func loadConfig(path string) (tilestore.Config, error) {
	var cfg tilestore.Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func withContext(cCtx *cli.Context, fn func(*tilestore.Context, string) error) error {
	uri := cCtx.String("uri")
	if uri == "" {
		return fmt.Errorf("--uri is required")
	}
	cfg, err := loadConfig(cCtx.String("config-uri"))
	if err != nil {
		return err
	}
	ctx, err := tilestore.NewContext(cfg)
	if err != nil {
		return err
	}
	defer ctx.Close()
	return fn(ctx, uri)
}

// schemaInfo is the JSON shape of the info command's output.
type schemaInfo struct {
	Type       string          `json:"type"`
	CellOrder  string          `json:"cell_order"`
	TileOrder  string          `json:"tile_order"`
	Capacity   uint64          `json:"capacity,omitempty"`
	Dimensions []dimensionInfo `json:"dimensions"`
	Attributes []attributeInfo `json:"attributes"`
}

type dimensionInfo struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Domain [2]int64 `json:"domain"`
	Extent int64    `json:"extent,omitempty"`
}

type attributeInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	CellValNum uint32 `json:"cell_val_num"` // 0 = variable
	Compressor string `json:"compressor"`
	Level      int32  `json:"level,omitempty"`
}

func info(ctx *tilestore.Context, uri string) error {
	s, err := ctx.LoadSchema(uri)
	if err != nil {
		return err
	}
	out := schemaInfo{
		Type:      s.Type.String(),
		CellOrder: s.CellOrder.String(),
		TileOrder: s.TileOrder.String(),
		Capacity:  s.Capacity,
	}
	for _, d := range s.Dimensions {
		out.Dimensions = append(out.Dimensions, dimensionInfo{
			Name: d.Name, Type: d.Type.String(), Domain: d.Domain, Extent: d.Extent,
		})
	}
	for _, a := range s.Attributes {
		out.Attributes = append(out.Attributes, attributeInfo{
			Name: a.Name, Type: a.Type.String(), CellValNum: a.CellValNum,
			Compressor: a.Compressor.String(), Level: a.Level,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func fragments(ctx *tilestore.Context, uri string) error {
	frags, err := ctx.Fragments(uri)
	if err != nil {
		return err
	}
	for _, f := range frags {
		fmt.Println(vfs.Base(f))
	}
	return nil
}

func main() {
	uriFlag := &cli.StringFlag{
		Name:  "uri",
		Usage: "URI or pathname of the array directory.",
	}
	configFlag := &cli.StringFlag{
		Name:  "config-uri",
		Usage: "Pathname of a JSON engine config file.",
	}

	app := &cli.App{
		Name:  "tilestore",
		Usage: "inspect and maintain tilestore arrays",
		Commands: []*cli.Command{
			{
				Name:  "info",
				Usage: "Print an array's schema as JSON.",
				Flags: []cli.Flag{uriFlag, configFlag},
				Action: func(cCtx *cli.Context) error {
					return withContext(cCtx, info)
				},
			},
			{
				Name:  "fragments",
				Usage: "List an array's committed fragments, oldest first.",
				Flags: []cli.Flag{uriFlag, configFlag},
				Action: func(cCtx *cli.Context) error {
					return withContext(cCtx, fragments)
				},
			},
			{
				Name:  "consolidate",
				Usage: "Merge every committed fragment into one.",
				Flags: []cli.Flag{uriFlag, configFlag},
				Action: func(cCtx *cli.Context) error {
					return withContext(cCtx, func(ctx *tilestore.Context, uri string) error {
						return ctx.Consolidate(uri)
					})
				},
			},
			{
				Name:  "vacuum",
				Usage: "Delete uncommitted fragment directories.",
				Flags: []cli.Flag{uriFlag, configFlag},
				Action: func(cCtx *cli.Context) error {
					return withContext(cCtx, func(ctx *tilestore.Context, uri string) error {
						n, err := ctx.Vacuum(uri)
						if err != nil {
							return err
						}
						log.Println("removed fragment directories:", n)
						return nil
					})
				},
			},
			{
				Name:  "rm",
				Usage: "Delete an array recursively.",
				Flags: []cli.Flag{uriFlag, configFlag},
				Action: func(cCtx *cli.Context) error {
					return withContext(cCtx, func(ctx *tilestore.Context, uri string) error {
						return ctx.DeleteArray(uri)
					})
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
