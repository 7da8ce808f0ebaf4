package audio

import (
	"errors"
	"testing"
	"time"
)

func TestLiveStream_StopIsIdempotent(t *testing.T) {
	stops := 0
	track := NewCaptureTrack("test", func() error {
		stops++
		return nil
	})
	stream := NewLiveStream(16000, 1, track)

	if !stream.Active() {
		t.Error("Expected new stream to be active")
	}
	if err := stream.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := stream.Stop(); err != nil {
		t.Fatalf("Second stop failed: %v", err)
	}
	if stops != 1 {
		t.Errorf("Expected track to stop once, got %d", stops)
	}
	if stream.Active() {
		t.Error("Expected stopped stream to be inactive")
	}
	if !track.Stopped() {
		t.Error("Expected track to report stopped")
	}
	if _, ok := <-stream.Frames(); ok {
		t.Error("Expected frames channel to be closed")
	}
}

func TestLiveStream_PushAfterStop(t *testing.T) {
	stream := NewLiveStream(16000, 1)
	if !stream.Push([]float32{0.1}) {
		t.Fatal("Expected push to succeed on a live stream")
	}
	_ = stream.Stop()
	if stream.Push([]float32{0.2}) {
		t.Error("Expected push to fail after stop")
	}
}

func TestLiveStream_StopUnblocksPush(t *testing.T) {
	stream := NewLiveStream(16000, 1)
	for i := 0; i < cap(stream.frames); i++ {
		stream.Push([]float32{0})
	}

	result := make(chan bool, 1)
	go func() {
		result <- stream.Push([]float32{1})
	}()

	time.Sleep(20 * time.Millisecond)
	_ = stream.Stop()

	select {
	case ok := <-result:
		if ok {
			t.Error("Expected blocked push to report failure")
		}
	case <-time.After(time.Second):
		t.Fatal("Push stayed blocked after stop")
	}
}

func TestLiveStream_StopJoinsTrackErrors(t *testing.T) {
	boom := errors.New("device busy")
	stream := NewLiveStream(16000, 1,
		NewCaptureTrack("a", func() error { return boom }),
		NewCaptureTrack("b", nil),
	)

	if err := stream.Stop(); !errors.Is(err, boom) {
		t.Errorf("Expected track error to surface, got %v", err)
	}
	for _, track := range stream.Tracks() {
		if !track.Stopped() {
			t.Errorf("Expected track %s to be stopped", track.Label())
		}
	}
}

func TestMatchDevice(t *testing.T) {
	devices := []Device{
		{ID: "alsa_input.usb-Blue_Yeti", Description: "Yeti Stereo Microphone"},
		{ID: "alsa_input.pci-0000_00_1f.3", Description: "Built-in Audio", Default: true},
	}

	dev, err := matchDevice(devices, "")
	if err != nil || !dev.Default {
		t.Errorf("Expected default device, got %+v (%v)", dev, err)
	}

	dev, err = matchDevice(devices, "yeti")
	if err != nil || dev.ID != "alsa_input.usb-Blue_Yeti" {
		t.Errorf("Expected Yeti device, got %+v (%v)", dev, err)
	}

	if _, err := matchDevice(devices, "nope"); err == nil {
		t.Error("Expected error for unmatched device")
	}
}

func TestClassifyCaptureErr(t *testing.T) {
	err := classifyCaptureErr(errors.New("connect pulse server: Access denied"))
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Expected ErrPermissionDenied, got %v", err)
	}

	other := errors.New("no such entity")
	if classifyCaptureErr(other) != other {
		t.Error("Expected unrelated error to pass through")
	}
}

func TestFFmpegSource_Args(t *testing.T) {
	src := NewFFmpegSource("", "", 48000)
	if src.command != "ffmpeg" {
		t.Errorf("Expected default command ffmpeg, got %s", src.command)
	}

	args := src.args()
	want := map[string]string{"-ar": "48000", "-ac": "1", "-i": "default"}
	for i := 0; i < len(args)-1; i++ {
		if v, ok := want[args[i]]; ok && args[i+1] != v {
			t.Errorf("Expected %s %s, got %s", args[i], v, args[i+1])
		}
	}
	if args[len(args)-3] != "f32le" || args[len(args)-1] != "-" {
		t.Errorf("Expected f32le on stdout, got %v", args[len(args)-3:])
	}
}
