package main

import (
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// AttentionFlightServer answers DoExchange streams: every request record
// carrying q, k and v columns yields one output record.
type AttentionFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewAttentionFlightServer(srv *Server) *AttentionFlightServer {
	return &AttentionFlightServer{srv: srv}
}

func (s *AttentionFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var writer *flight.Writer
	defer func() {
		if writer != nil {
			if err := writer.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close exchange writer")
			}
		}
	}()

	n := 0
	for reader.Next() {
		res, err := s.srv.process(ctx, reader.Record(), optionsNone)
		if err != nil {
			span.RecordError(err)
			return err
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(res.Schema()), ipc.WithAllocator(s.srv.alloc))
		}
		err = writer.Write(res)
		res.Release()
		if err != nil {
			return err
		}
		n++
	}
	span.SetAttributes(attribute.Int("records", n))
	log.Debug().Int("records", n).Msg("DoExchange complete")
	return reader.Err()
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewFlightServer()
	server.RegisterFlightService(NewAttentionFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting attention Flight server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
