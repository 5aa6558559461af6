package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"schwab-gateway/internal/apierr"
	"schwab-gateway/internal/app"
	"schwab-gateway/internal/config"
	"schwab-gateway/internal/log"
	"schwab-gateway/internal/schwab"
	"schwab-gateway/internal/store"
)

// runtime 持有单次命令执行期间的依赖。
type runtime struct {
	logger *zap.Logger
	store  *store.Store
	app    *app.App
}

func (r *runtime) close() {
	if r.app != nil {
		if err := r.app.Close(); err != nil {
			r.logger.Warn("释放资源失败", zap.Error(err))
		}
		r.app = nil
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("关闭数据库失败", zap.Error(err))
		}
		r.store = nil
	}
	_ = r.logger.Sync()
}

func setup(ctx context.Context, configPath string) (*runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	rt := &runtime{logger: logger}

	if rt.store, err = store.NewSQLite(cfg.Database); err != nil {
		rt.close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	if rt.app, err = app.New(cfg, logger, rt.store); err != nil {
		rt.close()
		return nil, err
	}

	if err := rt.app.Restore(ctx); err != nil {
		rt.close()
		return nil, fmt.Errorf("恢复会话失败: %w", err)
	}
	return rt, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	var (
		configPath string
		rt         *runtime
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "schwab",
		Short:         "Schwab API 网关：授权、限流与重试的统一调用入口",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			rt, err = setup(cmd.Context(), configPath)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if rt != nil {
				rt.close()
			}
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")

	root.AddCommand(authCommand(&rt), accountsCommand(&rt), ordersCommand(&rt),
		quotesCommand(&rt), snapshotCommand(&rt), serveCommand(&rt))

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "错误:", err)
		if hint := errorHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, "提示:", hint)
		}
		if rt != nil {
			rt.close()
		}
		os.Exit(1)
	}
}

// errorHint 为需要人工介入的错误给出下一步操作。
func errorHint(err error) string {
	var authErr *apierr.AuthorizationError
	switch {
	case errors.Is(err, apierr.ErrAuthRefreshExhausted):
		return "刷新令牌已失效，请运行 `schwab auth login` 重新授权 (re-authenticate)"
	case errors.Is(err, apierr.ErrNotAuthenticated):
		return "尚未授权，请运行 `schwab auth login`"
	case errors.As(err, &authErr) && authErr.Restart:
		return "授权码已失效，请重新运行 `schwab auth login`"
	case apierr.IsAmbiguous(err):
		return "请求可能已被执行，请先用 `schwab orders` 核对后再决定是否重新提交 (verify before resubmitting)"
	case errors.Is(err, apierr.ErrRateLimited):
		return "触发远端限流，请稍后重试或调低 rate_limit.max_requests"
	}
	return ""
}

func authCommand(rt **runtime) *cobra.Command {
	cmd := &cobra.Command{Use: "auth", Short: "管理交易 API 的授权会话"}

	login := &cobra.Command{
		Use:   "login",
		Short: "打开授权地址并粘贴回调 URL 完成授权",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := (*rt).app.Trading()
			authURL, err := mgr.BeginAuthorization(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "在浏览器中打开以下地址并完成登录：")
			fmt.Fprintln(out, authURL)
			fmt.Fprint(out, "粘贴跳转后的完整回调 URL: ")

			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			if err := mgr.CompleteAuthorization(cmd.Context(), strings.TrimSpace(line)); err != nil {
				return err
			}
			fmt.Fprintln(out, "授权成功")
			return nil
		},
	}

	logout := &cobra.Command{
		Use:   "logout",
		Short: "清除本地令牌",
		RunE: func(cmd *cobra.Command, args []string) error {
			return (*rt).app.Trading().Logout(cmd.Context())
		},
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "显示令牌状态",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, s := range (*rt).app.Statuses() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %-28s expires=%s refresh_token=%t\n",
					s.API, s.State, formatTime(s.ExpiresAt), s.HasRefreshToken)
			}
			return nil
		},
	}

	cmd.AddCommand(login, logout, status)
	return cmd
}

func accountsCommand(rt **runtime) *cobra.Command {
	var positions bool
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "列出账户",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := (*rt).app.Client()
			if positions {
				accounts, err := client.Accounts(cmd.Context(), true)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), accounts)
			}
			numbers, err := client.AccountNumbers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), numbers)
		},
	}
	cmd.Flags().BoolVar(&positions, "positions", false, "附带持仓")
	return cmd
}

func ordersCommand(rt **runtime) *cobra.Command {
	var (
		account string
		since   time.Duration
		status  string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "查询最近订单，用于核对结果未知的下单",
		RunE: func(cmd *cobra.Command, args []string) error {
			if account == "" {
				return errors.New("--account 为必填项（账号哈希值）")
			}
			now := time.Now()
			orders, err := (*rt).app.Client().Orders(cmd.Context(), account, schwab.OrderQuery{
				From:       now.Add(-since),
				To:         now,
				MaxResults: limit,
				Status:     status,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), orders)
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "账号哈希值")
	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "查询最近多长时间内的订单")
	cmd.Flags().StringVar(&status, "status", "", "按状态过滤，例如 WORKING")
	cmd.Flags().IntVar(&limit, "max", 0, "最多返回条数")
	return cmd
}

func quotesCommand(rt **runtime) *cobra.Command {
	var fields []string
	cmd := &cobra.Command{
		Use:   "quotes SYMBOL...",
		Short: "获取报价",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			quotes, err := (*rt).app.Client().Quotes(cmd.Context(), args, fields)
			if err != nil {
				return err
			}
			for _, symbol := range args {
				q, ok := quotes[symbol]
				if !ok {
					fmt.Fprintf(cmd.OutOrStdout(), "%-8s 无数据\n", symbol)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s last=%.4f bid=%.4f ask=%.4f volume=%d\n",
					q.Symbol, q.LastPrice, q.BidPrice, q.AskPrice, q.Volume)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&fields, "fields", nil, "返回字段，例如 quote,fundamental")
	return cmd
}

func snapshotCommand(rt **runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot SYMBOL...",
		Short: "并发获取报价与最近K线",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := (*rt).app.MarketData().Snapshot(cmd.Context(), args, schwab.DefaultPriceHistoryRequest())
			if err != nil {
				return err
			}
			for _, symbol := range args {
				candles := snap.History[symbol]
				last := "-"
				if n := len(candles); n > 0 {
					last = fmt.Sprintf("%.4f@%s", candles[n-1].Close, candles[n-1].Timestamp.Format(time.RFC3339))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-8s last=%.4f candles=%d close=%s\n",
					symbol, snap.Quotes[symbol].LastPrice, len(candles), last)
			}
			return nil
		},
	}
	return cmd
}

func serveCommand(rt **runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "常驻运行：令牌保活并提供 /events、/status、/metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*rt).app.Run(cmd.Context()); err != nil {
				return err
			}
			(*rt).logger.Info("系统已安全退出")
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
