package simulator

import "OpenMech-Chain/internal/transaction"

func serviceRank(status transaction.ServiceStatus) int {
	switch status {
	case transaction.ServiceRunning:
		return 1
	case transaction.ServiceCompleted, transaction.ServiceError:
		return 2
	default:
		return 0
	}
}

// MergeServices 把新投影合并到已持久化的结果上：已完成的服务保持冻结，
// 进度与状态只增不减，子步骤日志只追加。
func MergeServices(previous, next []transaction.ServiceResult) []transaction.ServiceResult {
	merged := make([]transaction.ServiceResult, len(next))
	for i, cur := range next {
		if i >= len(previous) || previous[i].ServiceID != cur.ServiceID {
			merged[i] = cur.Clone()
			continue
		}
		prev := previous[i]
		if serviceRank(prev.Status) == 2 {
			merged[i] = prev.Clone()
			continue
		}
		out := cur.Clone()
		if serviceRank(prev.Status) > serviceRank(out.Status) {
			out.Status = prev.Status
		}
		if prev.Progress > out.Progress {
			out.Progress = prev.Progress
		}
		out.ExecutionSteps = mergeLog(prev.ExecutionSteps, out.ExecutionSteps)
		merged[i] = out
	}
	return merged
}

// MergePipeline 保留已有的流水线步骤并按顺序追加新出现的步骤。
func MergePipeline(previous, next []string) []string {
	return mergeLog(previous, next)
}

func mergeLog(previous, next []string) []string {
	out := append([]string{}, previous...)
	seen := make(map[string]struct{}, len(out))
	for _, entry := range out {
		seen[entry] = struct{}{}
	}
	for _, entry := range next {
		if _, ok := seen[entry]; ok {
			continue
		}
		seen[entry] = struct{}{}
		out = append(out, entry)
	}
	return out
}
