// Package cli implements the audittrail command line: the audit API server,
// manual event emission, broker stream provisioning and model inspection.
// Commands share one runtime holding the loaded configuration, the logger
// and the output writer.
package cli
