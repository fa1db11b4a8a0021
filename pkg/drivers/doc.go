/*
Package drivers ships the reference drivers bundled with the runtime:

  - ChatDriver (agent): llm.chat → llm.chat.response through a
    configured model, with usage tracking and turn-number propagation.
    The LLM call sits behind the Completer interface; concrete API
    clients are deployment concerns.
  - SchedulerDriver (scheduler): plan.schedule → persistent cron
    (POSIX 5-field, robfig/cron) or ISO-8601 interval jobs whose ticks
    emit event.<name>.
  - ContextHubDriver (connector): context.* → the HTTP context-hub
    document-tree service.
  - IndexGuideDriver (agent): folder.created → an LLM completion
    request, whose reply becomes context.index_guide.generated.

Each driver is registered by manifest and receives only the narrow
driver.Runtime handle.
*/
package drivers
