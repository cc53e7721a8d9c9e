package config

import "fmt"

func insecureConfigWarning(path, detail, fix string) string {
	return fmt.Sprintf(
		"WARNING: Config file '%s' %s\n"+
			"         Other users may be able to read your database credentials.\n"+
			"         %s\n\n",
		path, detail, fix,
	)
}
