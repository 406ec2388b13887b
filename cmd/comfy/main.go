package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/machinate/comfyui-go/client"
	"github.com/machinate/comfyui-go/comfy"
	"github.com/machinate/comfyui-go/comfytest"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "comfy",
		Usage: "command-line client for a ComfyUI service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "server",
				Usage: "Base URL of the ComfyUI service.",
				Value: "http://127.0.0.1:8188",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Commands: []*cli.Command{
			queueCommand(),
			historyCommand(),
			viewCommand(),
			uploadCommand(),
			statCommand(),
			mockCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func clientOptions(ctx *cli.Context) ([]client.Option, error) {
	if !ctx.Bool("debug") {
		return nil, nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return []client.Option{client.WithLogger(l)}, nil
}

func newClient(ctx *cli.Context) (*client.Client, error) {
	opts, err := clientOptions(ctx)
	if err != nil {
		return nil, err
	}
	return client.New(ctx.String("server"), opts...)
}

func queueCommand() *cli.Command {
	return &cli.Command{
		Name:      "queue",
		Usage:     "Queue a workflow for execution.",
		ArgsUsage: "<workflow.json>",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "Follow the event stream until the prompt finishes.",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Directory to download output images into. Implies --watch.",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one workflow file, got %d args", ctx.Args().Len())
			}
			workflow, err := os.ReadFile(ctx.Args().First())
			if err != nil {
				return fmt.Errorf("reading workflow: %w", err)
			}

			outDir := ctx.String("out")
			watch := ctx.Bool("watch") || outDir != ""

			if !watch {
				c, err := newClient(ctx)
				if err != nil {
					return err
				}
				status, err := c.QueuePrompt(ctx.Context, workflow)
				if err != nil {
					return err
				}
				fmt.Printf("queued prompt %s at position %d\n", status.PromptID, status.Number)
				return nil
			}

			// connect before queueing so no notification is missed
			opts, err := clientOptions(ctx)
			if err != nil {
				return err
			}
			c, stream, err := client.Dial(ctx.Context, ctx.String("server"), opts...)
			if err != nil {
				return err
			}
			defer stream.Close()

			status, err := c.QueuePrompt(ctx.Context, workflow)
			if err != nil {
				return err
			}
			fmt.Printf("queued prompt %s at position %d\n", status.PromptID, status.Number)

			if err := watchPrompt(ctx.Context, stream, status.PromptID); err != nil {
				return err
			}
			if outDir == "" {
				return nil
			}
			return downloadOutputs(ctx.Context, c, status.PromptID, outDir)
		},
	}
}

// watchPrompt follows the event stream until promptID finishes, printing
// progress along the way.
func watchPrompt(ctx context.Context, stream *client.EventStream, promptID string) error {
	for {
		ev, err := stream.Next(ctx)
		if err != nil {
			return err
		}
		switch ev := ev.(type) {
		case *comfy.ExecutionStart:
			if ev.PromptID == promptID {
				fmt.Println("execution started")
			}
		case *comfy.Executing:
			if ev.PromptID == promptID && ev.Node != nil {
				fmt.Printf("executing node %s\n", *ev.Node)
			}
		case *comfy.Progress:
			fmt.Printf("progress %d/%d\n", ev.Value, ev.Max)
		case *comfy.Executed:
			if ev.PromptID == promptID && ev.Output != nil {
				for _, img := range ev.Output.Images {
					fmt.Printf("node %s produced %s\n", ev.Node, img.Filename)
				}
			}
		case *comfy.ExecutionError:
			if ev.PromptID == promptID {
				return fmt.Errorf("execution failed on node %s: %s", ev.NodeID, ev.ExceptionMessage)
			}
		case *comfy.ExecutionInterrupted:
			if ev.PromptID == promptID {
				return fmt.Errorf("execution interrupted on node %s", ev.NodeID)
			}
		case *comfy.ExecutionSuccess:
			if ev.PromptID == promptID {
				fmt.Println("execution finished")
				return nil
			}
		case *comfy.ReceiveFailed:
			fmt.Printf("connection lost (%s), reconnecting\n", ev.Err)
		case *comfy.Reconnected:
			fmt.Println("reconnected")
		}
	}
}

func downloadOutputs(ctx context.Context, c *client.Client, promptID, outDir string) error {
	history, err := c.GetHistory(ctx, promptID)
	if err != nil {
		return err
	}
	if history == nil {
		return fmt.Errorf("no history for prompt %s", promptID)
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return fmt.Errorf("creating output dir: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, output := range history.Outputs {
		for _, img := range output.Images {
			img := img
			group.Go(func() error {
				b, err := c.GetView(groupCtx, img)
				if err != nil {
					return err
				}
				dest := filepath.Join(outDir, img.Filename)
				if err := os.WriteFile(dest, b, 0644); err != nil {
					return fmt.Errorf("writing image: %w", err)
				}
				fmt.Printf("wrote %s\n", dest)
				return nil
			})
		}
	}
	return group.Wait()
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Print the stored result of an executed prompt.",
		ArgsUsage: "<prompt-id>",
		Action: func(ctx *cli.Context) error {
			if ctx.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one prompt id, got %d args", ctx.Args().Len())
			}
			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			history, err := c.GetHistory(ctx.Context, ctx.Args().First())
			if err != nil {
				return err
			}
			if history == nil {
				return fmt.Errorf("no history for prompt %s", ctx.Args().First())
			}
			b, err := json.MarshalIndent(history, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
}

func viewCommand() *cli.Command {
	return &cli.Command{
		Name:  "view",
		Usage: "Download a file from the service's storage.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "filename",
				Usage:    "Name of the stored file.",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "subfolder",
				Usage: "Subfolder the file is stored under.",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Storage kind the file lives in. One of [output,input,temp].",
				Value: "output",
			},
			&cli.StringFlag{
				Name:  "out",
				Usage: "Path to write to. Defaults to the filename in the working directory.",
			},
		},
		Action: func(ctx *cli.Context) error {
			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			info := comfy.FileInfo{
				Filename:  ctx.String("filename"),
				Subfolder: ctx.String("subfolder"),
				Type:      ctx.String("type"),
			}
			b, err := c.GetView(ctx.Context, info)
			if err != nil {
				return err
			}
			dest := ctx.String("out")
			if dest == "" {
				dest = info.Filename
			}
			if err := os.WriteFile(dest, b, 0644); err != nil {
				return fmt.Errorf("writing file: %w", err)
			}
			fmt.Printf("wrote %s\n", dest)
			return nil
		},
	}
}

func uploadCommand() *cli.Command {
	return &cli.Command{
		Name:      "upload",
		Usage:     "Upload an image for workflows to use as input.",
		ArgsUsage: "<image file>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "subfolder",
				Usage: "Subfolder to store the image under.",
			},
			&cli.StringFlag{
				Name:  "type",
				Usage: "Storage kind to upload into.",
				Value: "input",
			},
			&cli.BoolFlag{
				Name:  "overwrite",
				Usage: "Replace the stored file if the name is taken.",
			},
		},
		Action: func(ctx *cli.Context) error {
			if ctx.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one image file, got %d args", ctx.Args().Len())
			}
			f, err := os.Open(ctx.Args().First())
			if err != nil {
				return fmt.Errorf("opening image: %w", err)
			}
			defer f.Close()

			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			info := comfy.FileInfo{
				Filename:  filepath.Base(ctx.Args().First()),
				Subfolder: ctx.String("subfolder"),
				Type:      ctx.String("type"),
			}
			stored, err := c.UploadImage(ctx.Context, f, info, ctx.Bool("overwrite"))
			if err != nil {
				return err
			}
			fmt.Printf("stored as %s type=%s subfolder=%q\n", stored.Filename, stored.Type, stored.Subfolder)
			return nil
		},
	}
}

func statCommand() *cli.Command {
	return &cli.Command{
		Name:  "stat",
		Usage: "Report the service's execution queue depth.",
		Action: func(ctx *cli.Context) error {
			c, err := newClient(ctx)
			if err != nil {
				return err
			}
			info, err := c.GetPromptInfo(ctx.Context)
			if err != nil {
				return err
			}
			fmt.Printf("queue remaining: %d\n", info.ExecInfo.QueueRemaining)
			return nil
		},
	}
}

func mockCommand() *cli.Command {
	return &cli.Command{
		Name:  "mock",
		Usage: "Run a mock service that answers every queued prompt with a scripted execution. Useful for trying the client without a GPU; images are placeholder bytes.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the mock service to listen on.",
				Value: "127.0.0.1:8188",
			},
		},
		Action: func(ctx *cli.Context) error {
			l, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			s, err := comfytest.New(
				comfytest.WithListenAddr(ctx.String("listen-addr")),
				comfytest.WithLogger(l),
			)
			if err != nil {
				return fmt.Errorf("building mock service: %w", err)
			}

			s.SetPromptHandler(func(p comfytest.QueuedPrompt) []comfy.Event {
				img := comfy.FileInfo{Filename: fmt.Sprintf("mock_%05d_.png", p.Number), Type: "output"}
				s.PutView(img, []byte("placeholder image bytes from the mock service\n"))
				s.SetHistory(p.PromptID, comfy.History{Outputs: map[string]comfy.NodeOutput{
					"9": {Images: []comfy.FileInfo{img}},
				}})

				node := "9"
				events := []comfy.Event{
					&comfy.ExecutionStart{PromptID: p.PromptID},
					&comfy.Executing{Node: &node, PromptID: p.PromptID},
				}
				for i := 1; i <= 5; i++ {
					events = append(events, &comfy.Progress{Value: i, Max: 5})
				}
				return append(events,
					&comfy.Executed{Node: node, PromptID: p.PromptID, Output: &comfy.ExecutedOutput{Images: []comfy.FileInfo{img}}},
					&comfy.Executing{PromptID: p.PromptID},
					&comfy.ExecutionSuccess{PromptID: p.PromptID},
				)
			})

			if err := s.Start(); err != nil {
				return err
			}
			fmt.Printf("mock service on %s\n", s.URL())

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return s.Stop()
		},
	}
}
