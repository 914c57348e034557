package errors

// ErrorTemplate defines a registered error type.
type ErrorTemplate struct {
	Category Category
	Message  string
	Detail   string
}

// Error codes used across hive.
const (
	CodeImportFailed      = "E100"
	CodeFolderMissing     = "E101"
	CodeEntrypointMissing = "E102"
	CodeManifestInvalid   = "E103"
	CodePersistenceFailed = "E110"
	CodeJobNotFound       = "E111"
	CodeInvalidTransition = "E112"
	CodeJobTimedOut       = "E113"
	CodeConfigNotFound    = "E120"
	CodeConfigInvalid     = "E121"
	CodeConfigValue       = "E122"
	CodeClusterTransport  = "E130"
	CodeIPCFrame          = "E131"
	CodeSpawnFailed       = "E132"
	CodeRestartRequested  = "E133"
	CodeUnauthorized      = "E140"
	CodeForbidden         = "E141"
)

// registry maps error codes to their templates.
var registry = map[string]ErrorTemplate{
	// ============================================
	// Extension Errors (E100-E109)
	// ============================================

	CodeImportFailed: {
		Category: CategoryExtension,
		Message:  "Extension import failed",
		Detail:   "The extension entrypoint could not be loaded. The previous version, if any, keeps serving.",
	},
	CodeFolderMissing: {
		Category: CategoryExtension,
		Message:  "Extension folder not found",
		Detail:   "The extension is listed as active but its folder does not exist.",
	},
	CodeEntrypointMissing: {
		Category: CategoryExtension,
		Message:  "Extension entrypoint not found",
		Detail:   "The extension folder exists but has no entrypoint file.",
	},
	CodeManifestInvalid: {
		Category: CategoryExtension,
		Message:  "Invalid extension manifest",
		Detail:   "The extension manifest could not be parsed or declares an invalid route.",
	},

	// ============================================
	// Job Errors (E110-E119)
	// ============================================

	CodePersistenceFailed: {
		Category: CategoryStorage,
		Message:  "Job persistence failed",
		Detail:   "The job store rejected the write. The in-memory job state was left unchanged.",
	},
	CodeJobNotFound: {
		Category: CategoryJob,
		Message:  "Job not found",
	},
	CodeInvalidTransition: {
		Category: CategoryJob,
		Message:  "Invalid job transition",
		Detail:   "Terminal job states are absorbing and a job must be started before it can progress, complete, or fail.",
	},
	CodeJobTimedOut: {
		Category: CategoryJob,
		Message:  "timed out",
	},

	// ============================================
	// Config Errors (E120-E129)
	// ============================================

	CodeConfigNotFound: {
		Category: CategoryConfig,
		Message:  "Configuration file not found",
		Detail:   "No hive.json, hive.yaml, or hive.yml was found in the directory.",
	},
	CodeConfigInvalid: {
		Category: CategoryConfig,
		Message:  "Invalid configuration file",
		Detail:   "The configuration file could not be parsed.",
	},
	CodeConfigValue: {
		Category: CategoryConfig,
		Message:  "Invalid configuration value",
	},

	// ============================================
	// Cluster Errors (E130-E139)
	// ============================================

	CodeClusterTransport: {
		Category: CategoryCluster,
		Message:  "Cluster transport error",
		Detail:   "A message between the supervisor and a worker could not be delivered. Broadcasts are best effort.",
	},
	CodeIPCFrame: {
		Category: CategoryIPC,
		Message:  "Invalid IPC frame",
	},
	CodeSpawnFailed: {
		Category: CategoryCluster,
		Message:  "Worker spawn failed",
	},
	CodeRestartRequested: {
		Category: CategoryCluster,
		Message:  "Restart requested",
		Detail:   "A worker asked the supervisor to restart the server. The process exits so a process manager can relaunch it.",
	},

	// ============================================
	// Access Errors (E140-E149)
	// ============================================

	CodeUnauthorized: {
		Category: CategoryCLI,
		Message:  "Unauthorized",
	},
	CodeForbidden: {
		Category: CategoryCLI,
		Message:  "Missing capability",
	},
}

// GetAllCodes returns all registered error codes.
func GetAllCodes() []string {
	codes := make([]string, 0, len(registry))
	for code := range registry {
		codes = append(codes, code)
	}
	return codes
}

// GetTemplate returns the template for an error code.
func GetTemplate(code string) (ErrorTemplate, bool) {
	t, ok := registry[code]
	return t, ok
}
