package cli

// SetSlogTo is SetSlog writing to a test controlled writer.
var SetSlogTo = setSlog
