// Copyright 2024 syzkaller project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package queue

// Queue names, per spec §6.
const (
	QueueDownloadTasks           = "download_tasks"
	QueueReadyTasks              = "ready_tasks"
	QueueBuild                   = "build"
	QueueBuildOutput              = "build_output"
	QueueIndex                   = "index"
	QueueIndexOutput             = "index_output"
	QueueCrash                   = "crash"
	QueueUniqueVulnerabilities   = "unique_vulnerabilities"
	QueueConfirmedVulnerabilities = "confirmed_vulnerabilities"
	QueuePatches                 = "patches"
	QueueTracerBotInput          = "tracer_bot"
	QueueTracedVulnerabilities   = "traced_vulnerabilities"
	QueueDeleteTask              = "delete_task"
)

// Consumer group names, one per consumer role, per spec §6.
const (
	GroupOrchestratorTasks    = "orchestrator_tasks_group"
	GroupBuildBotConsumers    = "build_bot_consumers"
	GroupSchedulerReadyTasks  = "scheduler_ready_tasks"
	GroupSchedulerBuildOutput = "scheduler_build_output"
	GroupPatcher              = "patcher"
	GroupTracerBot            = "tracer_bot"
	GroupSchedulerCrash       = "scheduler_crash"
	GroupSchedulerUniqueVulns = "scheduler_unique_vulnerabilities"
	GroupSchedulerPatches     = "scheduler_patches"
	GroupSchedulerDeleteTask  = "scheduler_delete_task"
)
