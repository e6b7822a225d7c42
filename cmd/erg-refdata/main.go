// Command erg-refdata 将 Sensors 与 Sensor_CrossSens 两张 CSV 导出表
// 转换为 PWA 使用的 sensor_cross_sens.json。
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/erg-pwa/erg-cache/internal/logging"
	"github.com/erg-pwa/erg-cache/internal/refdata"
)

const (
	defaultSensorsPath   = "data_reference/Air_Monitoring_Relationships-2_Sensors.csv"
	defaultCrossSensPath = "data_reference/Air_Monitoring_Relationships-2_Sensor_CrossSens.csv"
	defaultOutputPath    = "pwa/sensor_cross_sens.json"
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := newApp(stdout, stderr)
	if err := app.Run(ctx, args); err != nil {
		fmt.Fprintf(stderr, "erg-refdata: %v\n", err)
		return 1
	}
	return 0
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "erg-refdata",
		Usage:     "ERG reference data transforms",
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			buildCommand(),
		},
	}
}

func buildCommand() *cli.Command {
	return &cli.Command{
		Name:  "build",
		Usage: "join the sensor and cross-sensitivity exports into sensor_cross_sens.json",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "sensors",
				Usage:   "Sensors CSV export",
				Value:   defaultSensorsPath,
				Sources: cli.NewValueSourceChain(cli.EnvVar("ERG_SENSORS_CSV")),
			},
			&cli.StringFlag{
				Name:    "cross-sens",
				Usage:   "Sensor_CrossSens CSV export",
				Value:   defaultCrossSensPath,
				Sources: cli.NewValueSourceChain(cli.EnvVar("ERG_CROSS_SENS_CSV")),
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "output JSON path",
				Value:   defaultOutputPath,
				Sources: cli.NewValueSourceChain(cli.EnvVar("ERG_CROSS_SENS_OUT")),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.NewValueSourceChain(cli.EnvVar("ERG_LOG_LEVEL")),
			},
		},
		Action: buildAction,
	}
}

func buildAction(ctx context.Context, cmd *cli.Command) error {
	logger, err := logging.New(logging.Options{
		Level:   cmd.String("log-level"),
		Console: cmd.Root().ErrWriter,
	})
	if err != nil {
		return err
	}

	sensorsPath, crossPath, outPath := cmd.String("sensors"), cmd.String("cross-sens"), cmd.String("out")
	artifact, stats, err := refdata.BuildFiles(sensorsPath, crossPath)
	if err != nil {
		return err
	}
	fields := logrus.Fields{
		"action":              "refdata_build",
		"sensors":             sensorsPath,
		"cross_sens":          crossPath,
		"sensor_rows":         stats.SensorRows,
		"skipped_sensor_rows": stats.SkippedSensorRows,
		"cross_rows":          stats.CrossRows,
		"skipped_cross_rows":  stats.SkippedCrossRows,
	}
	if stats.SkippedSensorRows > 0 || stats.SkippedCrossRows > 0 {
		logger.WithFields(fields).Warn("rows_skipped")
	} else {
		logger.WithFields(fields).Debug("rows_read")
	}

	if err := refdata.WriteFile(outPath, artifact); err != nil {
		return fmt.Errorf("write %s: %w", outPath, err)
	}

	w := cmd.Root().Writer
	fmt.Fprintf(w, "Wrote %s\n", outPath)
	fmt.Fprintf(w, "Sensors with cross-sens: %d\n", artifact.SensorsWithCrossSens())
	fmt.Fprintf(w, "Display names mapped: %d\n", artifact.DisplayNames())
	fmt.Fprintf(w, "Total cross-sens rows: %d\n", artifact.TotalCrossRows())
	return nil
}
