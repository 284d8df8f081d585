package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rcliao/framestore/internal/logger"
)

func parseJSONLine(b *bytes.Buffer) map[string]any {
	var parsed map[string]any
	ExpectWithOffset(1, json.Unmarshal([]byte(strings.TrimSpace(b.String())), &parsed)).To(Succeed())
	return parsed
}

var _ = Describe("New", func() {
	It("writes text records with attributes", func() {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf))
		l.Info("frame appended", "frame_id", 3)

		Expect(buf.String()).To(ContainSubstring("frame appended"))
		Expect(buf.String()).To(ContainSubstring("frame_id=3"))
	})

	It("filters debug records unless enabled", func() {
		var quiet, loud bytes.Buffer
		logger.New(logger.WithWriter(&quiet)).Debug("hidden")
		logger.New(logger.WithWriter(&loud), logger.WithLevel(slog.LevelDebug)).Debug("shown")

		Expect(quiet.String()).To(BeEmpty())
		Expect(loud.String()).To(ContainSubstring("shown"))
	})

	It("honours an explicit level", func() {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf), logger.WithLevel(slog.LevelWarn))
		l.Info("dropped")
		l.Warn("kept")

		Expect(buf.String()).NotTo(ContainSubstring("dropped"))
		Expect(buf.String()).To(ContainSubstring("kept"))
	})

	It("emits JSON", func() {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf), logger.WithJSON(true))
		l.Info("committed", "frames", 2)

		parsed := parseJSONLine(&buf)
		Expect(parsed["msg"]).To(Equal("committed"))
		Expect(parsed["frames"]).To(BeNumerically("==", 2))
	})

	It("renders pretty output", func() {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf), logger.WithPretty(true))
		l.Info("enrichment done")

		Expect(buf.String()).To(ContainSubstring("enrichment done"))
	})

	It("filters pretty output by level", func() {
		var buf bytes.Buffer
		l := logger.New(logger.WithWriter(&buf), logger.WithPretty(true), logger.WithLevel(slog.LevelWarn))
		l.Info("dropped")
		l.Warn("kept")

		Expect(buf.String()).NotTo(ContainSubstring("dropped"))
		Expect(buf.String()).To(ContainSubstring("kept"))
	})

	It("reports the caller when asked", func() {
		var buf bytes.Buffer
		logger.New(logger.WithWriter(&buf), logger.WithJSON(true), logger.WithSource(true)).Info("located")

		Expect(parseJSONLine(&buf)).To(HaveKey(slog.SourceKey))
	})
})

var _ = Describe("Multi", func() {
	It("dispatches to all loggers", func() {
		var a, b bytes.Buffer
		multi := logger.Multi(logger.New(logger.WithWriter(&a)), logger.New(logger.WithWriter(&b), logger.WithJSON(true)))
		multi.Info("broadcast", "key", "val")

		Expect(a.String()).To(ContainSubstring("broadcast"))
		Expect(parseJSONLine(&b)["key"]).To(Equal("val"))
	})

	It("keeps attributes and groups on children", func() {
		var buf bytes.Buffer
		multi := logger.Multi(logger.New(logger.WithWriter(&buf), logger.WithJSON(true)))
		multi.With("component", "enrich").WithGroup("frame").Info("done", "id", 7)

		parsed := parseJSONLine(&buf)
		Expect(parsed["component"]).To(Equal("enrich"))
		group, ok := parsed["frame"].(map[string]any)
		Expect(ok).To(BeTrue())
		Expect(group["id"]).To(BeNumerically("==", 7))
	})

	It("skips handlers that are not enabled", func() {
		var buf bytes.Buffer
		multi := logger.Multi(slog.New(slog.DiscardHandler), logger.New(logger.WithWriter(&buf)))
		Expect(multi.Handler().Enabled(context.Background(), slog.LevelInfo)).To(BeTrue())
		multi.Info("only once")
		Expect(strings.Count(buf.String(), "only once")).To(Equal(1))
	})
})
