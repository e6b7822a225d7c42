package main

import (
	"fmt"

	"github.com/erg-pwa/erg-cache/internal/version"
)

// printVersion 输出注入的版本、提交与缓存代际信息。
func printVersion() {
	fmt.Fprintln(stdOut, version.Full())
}
