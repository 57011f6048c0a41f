// Package constants is responsible for defining the constants used in the application.
package constants

import (
	"log/slog"
)

var (
	// Version is the version of the application.
	Version = "Dev"
)

const (
	// CmdName is the name of the service command. It is also the prefix of environment variables.
	CmdName = "nodedb"

	// DefaultLogLevel is the default log level selected without any verbosity flags.
	DefaultLogLevel = slog.LevelWarn
)

// Datastore constants.
const (
	// PicturesTable is the relational table holding blob records.
	PicturesTable = "pictures"

	// SamplesCollection is the document collection holding metric samples.
	SamplesCollection = "snmp_values"

	// DefaultBlobDatabase is the default relational database name.
	DefaultBlobDatabase = "bmpdb"

	// DefaultMetricsDatabase is the default document database name.
	DefaultMetricsDatabase = "snmpdb"

	// DefaultMongoURI is the default document datastore URI.
	DefaultMongoURI = "mongodb://localhost:27017"
)

// Service constants.
const (
	// DefaultListenPort is the default port of the public HTTP listener.
	DefaultListenPort = 3000

	// DefaultMetricsPort is the default port of the Prometheus listener.
	DefaultMetricsPort = 2112

	// SelfNodeName is the default name this node reports itself as.
	SelfNodeName = "c06"

	// UnknownOS is the sentinel used when a sample carries no OS descriptor.
	UnknownOS = "unknown"

	// LatestSamplesLimit is the number of samples returned by the read endpoint.
	LatestSamplesLimit = 100
)
