package netmux

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// fileConfig is the TOML-serializable subset of Config (spec.md §6's
// recognized options); function-valued fields (hooks, compressors) are not
// expressible in TOML and are left at DefaultConfig's values, or set
// programmatically after LoadConfigFile returns.
type fileConfig struct {
	MaxPerPoolConnectionCount             int    `toml:"max_per_pool_connection_count"`
	MaxWriterMultiplexMessageCount        int    `toml:"max_writer_multiplex_message_count"`
	MaxWriterWaitingMessageCount          int    `toml:"max_writer_waiting_message_count"`
	MaxWriterPendingMessageCount          int    `toml:"max_writer_pending_message_count"`
	MaxWriterMessageContinuousPacketCount int    `toml:"max_writer_message_continuous_packet_count"`
	SessionMutexCount                     int    `toml:"session_mutex_count"`
	MaxPacketSize                         int    `toml:"max_packet_size"`
	ListenAddress                         string `toml:"listen_address_str"`
	DefaultListenPort                     string `toml:"default_listen_port_str"`
	ServerOnly                            bool   `toml:"server_only"`
	MsgCancelConnectionWaitSeconds        int    `toml:"msg_cancel_connection_wait_seconds"`
	UseCompression                        bool   `toml:"use_compression"`
}

// LoadConfigFile reads a TOML configuration file and overlays it onto
// DefaultConfig, grounded on the teacher pack's BurntSushi/toml-based
// config loading convention. Zero-valued fields in the file are left at
// their default.
func LoadConfigFile(path string) (Config, error) {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return Config{}, errors.Wrap(err, "netmux: load config")
	}

	cfg := DefaultConfig()
	overlayInt(&cfg.MaxPerPoolConnectionCount, fc.MaxPerPoolConnectionCount)
	overlayInt(&cfg.MaxWriterMultiplexMessageCount, fc.MaxWriterMultiplexMessageCount)
	overlayInt(&cfg.MaxWriterWaitingMessageCount, fc.MaxWriterWaitingMessageCount)
	overlayInt(&cfg.MaxWriterPendingMessageCount, fc.MaxWriterPendingMessageCount)
	overlayInt(&cfg.MaxWriterMessageContinuousPacketCount, fc.MaxWriterMessageContinuousPacketCount)
	overlayInt(&cfg.SessionMutexCount, fc.SessionMutexCount)
	overlayInt(&cfg.MaxPacketSize, fc.MaxPacketSize)
	overlayInt(&cfg.MsgCancelConnectionWaitSeconds, fc.MsgCancelConnectionWaitSeconds)
	if fc.ListenAddress != "" {
		cfg.ListenAddress = fc.ListenAddress
	}
	if fc.DefaultListenPort != "" {
		cfg.DefaultListenPort = fc.DefaultListenPort
	}
	cfg.ServerOnly = fc.ServerOnly

	if fc.UseCompression {
		cfg.InplaceCompressFunc = NewSnappyCompressor()
		cfg.InplaceDecompressFunc = NewSnappyDecompressor()
	}

	return cfg, nil
}

func overlayInt(dst *int, fileValue int) {
	if fileValue != 0 {
		*dst = fileValue
	}
}
