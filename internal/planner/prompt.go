package planner

const classifySystem = `You are the front desk of an automation agent that can operate a computer
through tool servers. Decide whether the user wants something done (task) or
is only talking (chat). Answer chat directly and briefly.`

const planSystem = `You plan work for an automation agent that acts through tool servers.
Break the request into the fewest concrete steps that each produce one
observable outcome.`

const planGuidelines = `Step rules:
- "action" is written in English and names one concrete outcome
- "display_action" is the same step in the user's language
- "success_criteria" describes what can be observed when the step succeeded
- "criteria_expr" is optional; a boolean expression over probe results using
  output, is_error, result_count, output_len, contains(s, sub), matches(s, re)
- "dependencies" lists ids of earlier steps that must finish first; use []
  when there are none
- mark "critical" true only if later work is pointless without the step
- mark "fallback_eligible" true if the outcome can be checked both on screen
  and by reading data back
- "complexity" is 1 (one trivial step) to 10 (long, fragile workflow)`

const toolCallSystem = `You translate one step of a plan into tool calls for an automation agent.
Use only the listed capabilities, with exactly the parameters they declare.`

const replanSystem = `You recover failed steps of an automation agent. Choose the cheapest
recovery that can still succeed.`

const replanGuidelines = `Recovery options:
- adjust: retry the same step with changed hints in "params"
- decompose: split the step into smaller "children", each with action,
  display_action and success_criteria
- skip: give up on the step`
