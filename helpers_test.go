package main

import (
	"bytes"
	"path/filepath"
	"testing"
)

// capturedOutput 持有测试期间替换 stdOut/stdErr 的缓冲区。
type capturedOutput struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

func captureOutput(t *testing.T) capturedOutput {
	t.Helper()
	captured := capturedOutput{out: &bytes.Buffer{}, err: &bytes.Buffer{}}
	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 返回 internal/config/testdata 下的配置样例路径，测试工作目录为模块根。
func configFixture(name string) string {
	return filepath.Join("internal", "config", "testdata", name)
}
