// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"io"

	"github.com/opentracing/opentracing-go"
	"github.com/sirupsen/logrus"
	jaegerconfig "github.com/uber/jaeger-client-go/config"
	jaegermetrics "github.com/uber/jaeger-lib/metrics"

	"github.com/element-hq/spire/setup/config"
)

// SetupTracing installs a jaeger-backed opentracing tracer as the global
// tracer if tracing is enabled. The returned closer flushes buffered spans
// on shutdown.
func SetupTracing(serviceName string, cfg *config.Tracing) (io.Closer, error) {
	if !cfg.Enabled {
		return io.NopCloser(nil), nil
	}
	jcfg := jaegerconfig.Configuration{
		ServiceName: serviceName,
		Sampler: &jaegerconfig.SamplerConfig{
			Type:  "probabilistic",
			Param: cfg.SampleRatio,
		},
		Reporter: &jaegerconfig.ReporterConfig{
			LocalAgentHostPort: cfg.AgentHost,
			LogSpans:           false,
		},
	}
	tracer, closer, err := jcfg.NewTracer(
		jaegerconfig.Logger(logrusLogger{logrus.StandardLogger()}),
		jaegerconfig.Metrics(jaegermetrics.NullFactory),
	)
	if err != nil {
		return nil, err
	}
	opentracing.SetGlobalTracer(tracer)
	return closer, nil
}

// logrusLogger is a small wrapper that implements jaeger.Logger using logrus.
type logrusLogger struct {
	l *logrus.Logger
}

func (l logrusLogger) Error(msg string) {
	l.l.Error(msg)
}

func (l logrusLogger) Infof(msg string, args ...interface{}) {
	l.l.Infof(msg, args...)
}
