package policy

// MaxConfigurationNameLength is the longest configuration name the
// automation service accepts. Policies read it as
// data.converge.limits.max_name_length.
const MaxConfigurationNameLength = 64

// GetBuiltinPolicies returns all built-in lint policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		configurationNamingPolicy(),
		environmentsPolicy(),
		parameterSecretsPolicy(),
		modulePinningPolicy(),
	}
}

// configurationNamingPolicy enforces names the automation service accepts.
func configurationNamingPolicy() Policy {
	return Policy{
		Name:        "configuration-naming",
		Description: "Configuration names must be at most 64 characters of letters, digits, hyphens and underscores",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.lint.naming

import rego.v1

max_length := data.converge.limits.max_name_length

deny contains violation if {
	some cfg in input.configurations
	count(cfg.name) > max_length
	violation := {
		"message": sprintf("configuration name '%s' exceeds %d characters", [cfg.name, max_length]),
		"configuration": cfg.name,
	}
}

deny contains violation if {
	some cfg in input.configurations
	not regex.match("^[A-Za-z][A-Za-z0-9_-]*$", cfg.name)
	violation := {
		"message": sprintf("configuration name '%s' must start with a letter and contain only letters, digits, hyphens and underscores", [cfg.name]),
		"configuration": cfg.name,
	}
}

deny contains violation if {
	some i, a in input.configurations
	some j, b in input.configurations
	i < j
	lower(a.name) == lower(b.name)
	violation := {
		"message": sprintf("configuration name '%s' is declared more than once", [b.name]),
		"configuration": b.name,
	}
}`,
	}
}

// environmentsPolicy checks the target environments of every configuration.
func environmentsPolicy() Policy {
	return Policy{
		Name:        "environments",
		Description: "Configurations must target at least one non-empty environment, each at most once",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.lint.environments

import rego.v1

deny contains violation if {
	some cfg in input.configurations
	count(cfg.environments) == 0
	violation := {
		"message": sprintf("configuration '%s' targets no environments", [cfg.name]),
		"configuration": cfg.name,
	}
}

deny contains violation if {
	some cfg in input.configurations
	some env in cfg.environments
	trim_space(env) == ""
	violation := {
		"message": sprintf("configuration '%s' has an empty environment identifier", [cfg.name]),
		"configuration": cfg.name,
	}
}

deny contains violation if {
	some cfg in input.configurations
	some i, env in cfg.environments
	some j, other in cfg.environments
	i < j
	env == other
	trim_space(env) != ""
	violation := {
		"message": sprintf("configuration '%s' lists environment '%s' more than once", [cfg.name, env]),
		"configuration": cfg.name,
		"severity": "warning",
	}
}`,
	}
}

// parameterSecretsPolicy rejects literal secrets in compile parameters.
func parameterSecretsPolicy() Policy {
	return Policy{
		Name:        "parameter-secrets",
		Description: "Compile parameters must not carry literal secrets",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.lint.secrets

import rego.v1

secret_key := "(?i)(password|passwd|secret|token|api_?key|private_?key|connection_?string)"

deny contains violation if {
	some cfg in input.configurations
	some key, value in cfg.parameters
	regex.match(secret_key, key)
	is_string(value)
	value != ""
	violation := {
		"message": sprintf("configuration '%s' passes parameter '%s' as a literal; reference a stored credential instead", [cfg.name, key]),
		"configuration": cfg.name,
	}
}`,
	}
}

// modulePinningPolicy checks that imports resolve and module versions are exact.
func modulePinningPolicy() Policy {
	return Policy{
		Name:        "module-pinning",
		Description: "Imported modules must be declared and pinned to an exact version",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package converge.lint.modules

import rego.v1

declared contains m.name if {
	some m in input.modules
}

deny contains violation if {
	some cfg in input.configurations
	some name in cfg.imports
	not declared[name]
	violation := {
		"message": sprintf("configuration '%s' imports module '%s' which is not a required module", [cfg.name, name]),
		"configuration": cfg.name,
		"severity": "error",
	}
}

deny contains violation if {
	some m in input.modules
	not regex.match("^v?[0-9]+\\.[0-9]+\\.[0-9]+([-+][0-9A-Za-z.-]+)?$", m.version)
	violation := {
		"message": sprintf("module '%s' version '%s' is not pinned to an exact version", [m.name, m.version]),
	}
}`,
	}
}
