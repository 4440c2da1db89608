// Package gochannel provides the in-process watermill channel used by default and in tests.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

type Config struct {
	// Buffer is the output channel buffer per subscriber; zero means 1000.
	Buffer int64

	// BlockUntilAck makes Publish wait for the subscriber to ack.
	BlockUntilAck bool
}

// CreateChannel returns one GoChannel as both publisher and subscriber.
func CreateChannel(logger watermill.LoggerAdapter, cfg Config) (*gochannel.GoChannel, *gochannel.GoChannel) {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1000
	}

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: cfg.BlockUntilAck,
		},
		logger,
	)

	return pubSub, pubSub
}
