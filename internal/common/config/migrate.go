package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// MigrateLegacyDocument rewrites a config file in place, stripping keys that
// begin with an underscore (historically used to comment out a block in a
// YAML document, e.g. "_comment" or "_disabled_agents"). Older deployments
// carried these as inline documentation. Before the rewrite the original
// bytes are saved beside the file as path+".bak". LoadWithPath calls this
// after viper has already read the file, so the load that performs the
// migration still carries the underscore keys in viper; later loads read
// the migrated file.
// A missing path is not an error: most runs have no config file on disk at
// all and rely entirely on defaults and environment variables. Any other
// read failure is returned.
func MigrateLegacyDocument(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// Not a YAML map at the root, or empty; nothing to migrate.
		return nil
	}

	if !stripUnderscoreKeys(doc) {
		return nil
	}

	rewritten, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if err := os.WriteFile(path+".bak", data, info.Mode()); err != nil {
		return err
	}

	return os.WriteFile(path, rewritten, info.Mode())
}

// stripUnderscoreKeys removes top-level and nested keys beginning with "_"
// from a decoded YAML document, recursing into nested maps. It reports
// whether any key was removed.
func stripUnderscoreKeys(doc map[string]interface{}) bool {
	changed := false

	for key, value := range doc {
		if len(key) > 0 && key[0] == '_' {
			delete(doc, key)
			changed = true
			continue
		}

		if nested, ok := value.(map[string]interface{}); ok {
			if stripUnderscoreKeys(nested) {
				changed = true
			}
		}
	}

	return changed
}
