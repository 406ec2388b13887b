package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/machinate/comfyui-go/client"
	"github.com/machinate/comfyui-go/comfy"
	"github.com/machinate/comfyui-go/comfytest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func startService(t *testing.T) *comfytest.Server {
	s, err := comfytest.New()
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() {
		require.NoError(t, s.Stop())
	})
	return s
}

func nextEvent(t *testing.T, stream *client.EventStream) comfy.Event {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := stream.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestTextToImageFlow(t *testing.T) {
	s := startService(t)

	rendered := []byte("rendered image bytes")
	s.SetPromptHandler(func(p comfytest.QueuedPrompt) []comfy.Event {
		img := comfy.FileInfo{Filename: "blurred.png", Type: "output"}
		s.PutView(img, rendered)
		s.SetHistory(p.PromptID, comfy.History{Outputs: map[string]comfy.NodeOutput{
			"5": {Images: []comfy.FileInfo{img}},
		}})

		node := "5"
		return []comfy.Event{
			&comfy.ExecutionStart{PromptID: p.PromptID},
			&comfy.Executing{Node: &node, PromptID: p.PromptID},
			&comfy.Progress{Value: 1, Max: 3},
			&comfy.Progress{Value: 2, Max: 3},
			&comfy.Progress{Value: 3, Max: 3},
			&comfy.Executed{Node: node, PromptID: p.PromptID, Output: &comfy.ExecutedOutput{
				Images: []comfy.FileInfo{img},
			}},
			&comfy.Executing{PromptID: p.PromptID},
			&comfy.ExecutionSuccess{PromptID: p.PromptID},
		}
	})

	ctx := context.Background()
	c, stream, err := client.Dial(ctx, s.URL())
	require.NoError(t, err)
	defer stream.Close()

	// the service greets new sessions with its queue state
	_, ok := nextEvent(t, stream).(*comfy.Status)
	require.True(t, ok)

	// stage the input image
	input := comfy.FileInfo{Filename: "cat.webp", Type: "input"}
	stored, err := c.UploadImage(ctx, bytes.NewReader([]byte("catbytes")), input, true)
	require.NoError(t, err)
	assert.Equal(t, input, *stored)

	workflow := json.RawMessage(`{"5":{"class_type":"ImageBlur","inputs":{"image":"cat.webp"}}}`)
	status, err := c.QueuePrompt(ctx, workflow)
	require.NoError(t, err)
	require.NotEmpty(t, status.PromptID)

	var fromEvent []byte
	expected := []comfy.EventKind{
		comfy.KindExecutionStart,
		comfy.KindExecuting,
		comfy.KindProgress,
		comfy.KindProgress,
		comfy.KindProgress,
		comfy.KindExecuted,
		comfy.KindExecuting,
		comfy.KindExecutionSuccess,
	}
	for _, kind := range expected {
		ev := nextEvent(t, stream)
		require.Equal(t, kind, ev.Kind())

		if executed, ok := ev.(*comfy.Executed); ok {
			require.NotNil(t, executed.Output)
			require.Len(t, executed.Output.Images, 1)
			fromEvent, err = c.GetView(ctx, executed.Output.Images[0])
			require.NoError(t, err)
		}
	}
	assert.Equal(t, rendered, fromEvent)

	// the history must reference the same artifact the event announced
	history, err := c.GetHistory(ctx, status.PromptID)
	require.NoError(t, err)
	require.NotNil(t, history)
	images := history.Outputs["5"].Images
	require.Len(t, images, 1)
	fromHistory, err := c.GetView(ctx, images[0])
	require.NoError(t, err)
	assert.Equal(t, fromEvent, fromHistory)

	// an orderly service shutdown ends the stream rather than erroring it
	s.CloseClients()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = stream.Next(ctx)
	require.ErrorIs(t, err, client.ErrStreamClosed)
}

func TestStreamSurvivesServiceRestart(t *testing.T) {
	s := startService(t)

	ctx := context.Background()
	_, stream, err := client.Dial(ctx, s.URL(), client.WithReconnectInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer stream.Close()

	_, ok := nextEvent(t, stream).(*comfy.Status)
	require.True(t, ok)

	// take the service away mid-stream
	require.NoError(t, s.Stop())

	ev := nextEvent(t, stream)
	require.Equal(t, comfy.KindReceiveFailed, ev.Kind())

	// the client keeps retrying while the service is down
	ev = nextEvent(t, stream)
	require.Equal(t, comfy.KindReconnectFailed, ev.Kind())

	require.NoError(t, s.Start())

	// skip however many retries still fail before the listener is back
	for {
		ev = nextEvent(t, stream)
		if ev.Kind() != comfy.KindReconnectFailed {
			break
		}
	}
	require.Equal(t, comfy.KindReconnected, ev.Kind())

	// the fresh session is greeted and then delivers events as before
	_, ok = nextEvent(t, stream).(*comfy.Status)
	require.True(t, ok)

	require.NoError(t, s.Emit(&comfy.Progress{Value: 9, Max: 10}))
	progress, ok := nextEvent(t, stream).(*comfy.Progress)
	require.True(t, ok)
	assert.Equal(t, 9, progress.Value)
}

func TestDroppedConnectionRecoversInPlace(t *testing.T) {
	s := startService(t)

	ctx := context.Background()
	_, stream, err := client.Dial(ctx, s.URL(), client.WithReconnectInterval(10*time.Millisecond))
	require.NoError(t, err)
	defer stream.Close()

	_, ok := nextEvent(t, stream).(*comfy.Status)
	require.True(t, ok)

	// sever the socket but keep the service up: the redial succeeds right
	// away
	s.DropClients()

	ev := nextEvent(t, stream)
	require.Equal(t, comfy.KindReceiveFailed, ev.Kind())

	for {
		ev = nextEvent(t, stream)
		if ev.Kind() != comfy.KindReconnectFailed {
			break
		}
	}
	require.Equal(t, comfy.KindReconnected, ev.Kind())

	_, ok = nextEvent(t, stream).(*comfy.Status)
	require.True(t, ok)
}

func TestConcurrentClientsShareTheBroadcast(t *testing.T) {
	s := startService(t)

	s.SetPromptHandler(func(p comfytest.QueuedPrompt) []comfy.Event {
		return []comfy.Event{
			&comfy.ExecutionStart{PromptID: p.PromptID},
			&comfy.ExecutionSuccess{PromptID: p.PromptID},
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		group.Go(func() error {
			c, stream, err := client.Dial(ctx, s.URL())
			if err != nil {
				return err
			}
			defer stream.Close()

			if _, err := stream.Next(ctx); err != nil {
				return fmt.Errorf("reading greeting: %w", err)
			}

			status, err := c.QueuePrompt(ctx, json.RawMessage(`{"1":{"class_type":"KSampler"}}`))
			if err != nil {
				return err
			}

			// notifications fan out to every session, so skip the other
			// client's events and wait for our own prompt to finish
			for {
				ev, err := stream.Next(ctx)
				if err != nil {
					return err
				}
				if done, ok := ev.(*comfy.ExecutionSuccess); ok && done.PromptID == status.PromptID {
					return nil
				}
			}
		})
	}
	require.NoError(t, group.Wait())
	assert.Len(t, s.QueuedPrompts(), 2)
}

func TestCustomNodeTrafficPassesThrough(t *testing.T) {
	s := startService(t)

	ctx := context.Background()
	_, stream, err := client.Dial(ctx, s.URL())
	require.NoError(t, err)
	defer stream.Close()

	_, ok := nextEvent(t, stream).(*comfy.Status)
	require.True(t, ok)

	frame := `{"type":"crystools.monitor","data":{"cpu_utilization":12.1,"ram_total":17054,"gpus":[{"gpu_utilization":93}]}}`
	require.NoError(t, s.EmitRaw([]byte(frame)))

	unknown, ok := nextEvent(t, stream).(*comfy.Unknown)
	require.True(t, ok)
	assert.Equal(t, "crystools.monitor", unknown.RawType())
	assert.JSONEq(t, frame, string(unknown.Raw))
}

func TestReconnectDisabledEndsStreamOnLoss(t *testing.T) {
	s := startService(t)

	ctx := context.Background()
	_, stream, err := client.Dial(ctx, s.URL(), client.WithReconnect(false))
	require.NoError(t, err)
	defer stream.Close()

	_, ok := nextEvent(t, stream).(*comfy.Status)
	require.True(t, ok)

	s.DropClients()

	readCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = stream.Next(readCtx)
	require.Error(t, err)
	require.NotErrorIs(t, err, client.ErrStreamClosed)

	_, err = stream.Next(readCtx)
	require.ErrorIs(t, err, client.ErrStreamClosed)
}
