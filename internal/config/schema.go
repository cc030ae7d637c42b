package config

// configurationSchema validates the raw configuration map (spec.md §6) after
// viper has merged file, environment, and flag sources but before it is
// captured as an immutable Configuration snapshot. Keeping the schema next
// to Load keeps validation and the struct it backs from drifting apart.
const configurationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "cache_dir":              {"type": "string", "minLength": 1},
    "results_dir":            {"type": "string", "minLength": 1},
    "reports_dir":            {"type": "string", "minLength": 1},
    "use_caching":            {"type": "boolean"},
    "reports_db_name":        {"type": "string", "minLength": 1},
    "show_runtime_gt":        {"type": "number", "minimum": 0},
    "show_runtime_log_level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
  },
  "required": ["cache_dir", "results_dir", "reports_dir", "use_caching", "reports_db_name"],
  "additionalProperties": true
}`
