package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/miaoyq/leafscan/internal/imaging"
	"github.com/miaoyq/leafscan/pkg/types"
)

var (
	cfgPath  string
	simulate bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "leafscan",
		Short:         "离线优先的叶片健康扫描工具",
		Long:          "拍摄叶片图片并分析健康状况，断网时扫描进入重试队列，恢复联网后自动补扫",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "leafscan.json", "配置文件路径 (.json/.yaml)")
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "使用本地模拟分析器")

	rootCmd.AddCommand(serveCmd(), scanCmd(), queueCmd(), historyCmd(), cacheCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// withApp builds and initializes the app for a one-shot command. The
// network state is probed once so queue and simulator see real
// connectivity.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *App) error) error {
	app, err := NewApp(Options{ConfigPath: cfgPath, Simulate: simulate})
	if err != nil {
		return err
	}
	if err := app.Initialize(); err != nil {
		_ = app.Stop()
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app.monitor.Refresh(ctx)
	runErr := fn(ctx, app)
	return errors.Join(runErr, app.Stop())
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "常驻运行：网络监控、自动补扫、定时维护与状态接口",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := NewApp(Options{ConfigPath: cfgPath, Simulate: simulate})
			if err != nil {
				return err
			}
			return app.Run()
		},
	}
}

type scanOutput struct {
	Image    string            `json:"image"`
	Result   *types.ScanResult `json:"result,omitempty"`
	QueuedID string            `json:"queuedId,omitempty"`
	Error    string            `json:"error,omitempty"`
}

func scanCmd() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "scan <image>...",
		Short: "扫描一张或多张图片",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				outputs := make([]scanOutput, 0, len(args))
				failed := 0
				for _, ref := range args {
					var progress func(float64, string)
					if !quiet {
						progress = func(fraction float64, message string) {
							fmt.Fprintf(os.Stderr, "[%3.0f%%] %s: %s\n", fraction*100, ref, message)
						}
					}

					result, queuedID, err := app.Scan(ctx, ref, progress)
					out := scanOutput{Image: ref, Result: result, QueuedID: queuedID}
					if err != nil {
						out.Error = err.Error()
						failed++
					}
					outputs = append(outputs, out)

					if errors.Is(err, types.ErrScanCancelled) || ctx.Err() != nil {
						break
					}
				}
				if err := printJSON(outputs); err != nil {
					return err
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d scans failed", failed, len(args))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "不输出进度")
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "查看和处理重试队列",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "列出排队的扫描",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return printJSON(app.queue.List())
			})
		},
	}, &cobra.Command{
		Use:   "drain",
		Short: "立即补扫队列中的所有项目",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				if !app.monitor.State().Online() {
					return fmt.Errorf("network is offline, %d scans remain queued", app.queue.Size())
				}
				report := app.queue.Drain(ctx)
				return printJSON(struct {
					Report    interface{} `json:"report"`
					Remaining int         `json:"remaining"`
				}{report, app.queue.Size()})
			})
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "清空重试队列",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.queue.Clear()
			})
		},
	})
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "查看和管理扫描历史",
	}

	var (
		status string
		limit  int
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "按时间倒序列出扫描结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				var (
					items []types.ScanResult
					err   error
				)
				if status != "" {
					hs := types.HealthStatus(status)
					if !hs.Valid() {
						return fmt.Errorf("invalid status %q, expected healthy or diseased", status)
					}
					items, err = app.history.GetByStatus(hs)
				} else {
					items, err = app.history.GetAll()
				}
				if err != nil {
					return err
				}
				if limit > 0 && len(items) > limit {
					items = items[:limit]
				}
				return printJSON(items)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "只显示指定状态 (healthy|diseased)")
	list.Flags().IntVarP(&limit, "limit", "n", 0, "最多显示条数")

	cmd.AddCommand(list, &cobra.Command{
		Use:   "show <id>",
		Short: "显示一条扫描结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				result, err := app.history.GetByID(args[0])
				if err != nil {
					return err
				}
				if result == nil {
					return fmt.Errorf("scan %s not found", args[0])
				}
				return printJSON(result)
			})
		},
	}, &cobra.Command{
		Use:   "delete <id>",
		Short: "删除一条扫描结果",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				removed, err := app.history.Delete(args[0])
				if err != nil {
					return err
				}
				if !removed {
					return fmt.Errorf("scan %s not found", args[0])
				}
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "cleanup",
		Short: "删除过期的扫描结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				report, err := app.history.Cleanup()
				if err != nil {
					return err
				}
				fmt.Println(report.String())
				return nil
			})
		},
	})
	return cmd
}

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "管理图片缓存",
	}

	var target int64
	optimize := &cobra.Command{
		Use:   "optimize",
		Short: "按最旧优先删除缓存直到低于目标大小",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				removed := app.cache.Optimize(target * 1024 * 1024)
				fmt.Printf("removed %d entries\n", removed)
				return nil
			})
		},
	}
	optimize.Flags().Int64Var(&target, "target-mb", 0, "目标大小 (MB)，0 表示使用配置值")

	var width, height int
	thumb := &cobra.Command{
		Use:   "thumb <image>...",
		Short: "批量生成缩略图",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				paths, failures := app.Thumbnails(ctx, args, imaging.ThumbnailOptions{Width: width, Height: height})
				for _, f := range failures {
					fmt.Fprintf(os.Stderr, "%s: %v\n", args[f.Index], f.Err)
				}
				if err := printJSON(paths); err != nil {
					return err
				}
				if len(failures) > 0 {
					return fmt.Errorf("%d of %d thumbnails failed", len(failures), len(args))
				}
				return nil
			})
		},
	}
	thumb.Flags().IntVar(&width, "width", 200, "缩略图宽度")
	thumb.Flags().IntVar(&height, "height", 200, "缩略图高度")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "显示缓存用量",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return printJSON(app.cache.Stats())
			})
		},
	}, &cobra.Command{
		Use:   "evict",
		Short: "删除过期缓存",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				fmt.Printf("removed %d expired entries\n", app.cache.EvictExpired())
				return nil
			})
		},
	}, optimize, &cobra.Command{
		Use:   "clear",
		Short: "清空缓存",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *App) error {
				return app.cache.ClearAll()
			})
		},
	}, thumb)
	return cmd
}
